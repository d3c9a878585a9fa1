package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"fieldlog/logging"
	"fieldlog/measure"
)

// Record file formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// FileConfig configures a FileSink.
type FileConfig struct {
	Folder         string
	FilenameFormat string // strftime pattern, e.g. data_%Y%m%d.json
	Format         string // "json" (default) or "csv"
	Enabled        bool
	IncludeHeader  bool // CSV only: write the column header to each new file and whenever the columns change
}

// FileSink appends records to a file named from the current date.
// JSON files hold one record object per line.
type FileSink struct {
	config  FileConfig
	pattern *strftime.Strftime
	errs    FailureLogger
	now     func() time.Time
	mu      sync.Mutex

	// Columns of the last CSV header in headerPath.
	headerPath string
	headerCols []string
}

// NewFileSink validates cfg and returns a sink reporting its own write
// failures to errs.
func NewFileSink(cfg FileConfig, errs FailureLogger) (*FileSink, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatCSV {
		return nil, fmt.Errorf("storage: unknown record format %q", cfg.Format)
	}
	if cfg.FilenameFormat == "" {
		return nil, fmt.Errorf("storage: filename format is required")
	}
	pattern, err := strftime.New(cfg.FilenameFormat)
	if err != nil {
		return nil, fmt.Errorf("storage: filename format %q: %w", cfg.FilenameFormat, err)
	}
	return &FileSink{
		config:  cfg,
		pattern: pattern,
		errs:    errs,
		now:     time.Now,
	}, nil
}

// Filename returns the record file path for t.
func (s *FileSink) Filename(t time.Time) string {
	return filepath.Join(s.config.Folder, s.pattern.FormatString(t))
}

// Persist appends rec to today's file. Failures go to the error log.
func (s *FileSink) Persist(rec measure.Record) {
	if !s.config.Enabled {
		s.LogFailure("Logging skipped: file logging disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Filename(s.now())
	if err := s.write(path, rec); err != nil {
		s.headerPath = ""
		s.LogFailure(fmt.Sprintf("Failed to write log file %s: %v", path, err))
		return
	}
	logging.DebugLog("storage", "appended record %s to %s", rec.ID, path)
}

func (s *FileSink) LogFailure(message string) {
	if s.errs != nil {
		s.errs.LogFailure(message)
	}
}

func (s *FileSink) write(path string, rec measure.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	header := false
	if s.config.Format == FormatCSV && s.config.IncludeHeader {
		cols := csvColumns(rec)
		if s.headerPath != path {
			last, err := lastCSVHeader(path)
			if err != nil {
				return err
			}
			s.headerPath, s.headerCols = path, last
		}
		header = !slices.Equal(s.headerCols, cols)
		if header {
			s.headerCols = cols
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if s.config.Format == FormatCSV {
		return writeCSV(f, rec, header)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// csvColumns returns the header row for rec.
func csvColumns(rec measure.Record) []string {
	cols := make([]string, 0, len(rec.Entries)+1)
	cols = append(cols, "timestamp")
	for _, e := range rec.Entries {
		cols = append(cols, e.Key)
	}
	return cols
}

// lastCSVHeader returns the most recent header row of an existing file, or
// nil when the file is missing or has none. Data rows never start with the
// literal "timestamp".
func lastCSVHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var last []string
	for {
		row, err := r.Read()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) > 0 && row[0] == "timestamp" {
			last = row
		}
	}
}

// writeCSV writes "timestamp,<key>..." rows, preceded by the header when
// requested. Failed values are empty cells.
func writeCSV(f *os.File, rec measure.Record, header bool) error {
	w := csv.NewWriter(f)
	if header {
		if err := w.Write(csvColumns(rec)); err != nil {
			return err
		}
	}

	row := make([]string, 0, len(rec.Entries)+1)
	row = append(row, rec.Timestamp)
	for _, e := range rec.Entries {
		if e.Failed() {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(float64(e.Value), 'f', -1, 32))
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
