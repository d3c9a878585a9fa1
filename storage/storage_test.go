package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldlog/measure"
)

type failureRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (f *failureRecorder) LogFailure(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func sampleRecord(id string) measure.Record {
	return measure.Record{
		ID:        id,
		Timestamp: "2024-03-01 12:00:00",
		Entries: []measure.Entry{
			{Key: "v1", Unit: "V", Value: 230.5},
			{Key: "i1", Unit: "A", Value: float32(math.NaN())},
		},
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestFileSink_JSON(t *testing.T) {
	dir := t.TempDir()
	errs := &failureRecorder{}
	sink, err := NewFileSink(FileConfig{Folder: dir, FilenameFormat: "data_%Y%m%d.json", Enabled: true}, errs)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	sink.now = fixedNow

	sink.Persist(sampleRecord("a"))
	sink.Persist(sampleRecord("b"))

	path := filepath.Join(dir, "data_20240301.json")
	if got := sink.Filename(fixedNow()); got != path {
		t.Errorf("Filename = %q, want %q", got, path)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &obj); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if obj["timestamp"] != "2024-03-01 12:00:00" {
		t.Errorf("timestamp = %v", obj["timestamp"])
	}
	values := obj["values"].([]interface{})
	first := values[0].(map[string]interface{})
	if first["key"] != "v1" || first["unit"] != "V" || first["value"].(float64) != 230.5 {
		t.Errorf("first value = %v", first)
	}
	if second := values[1].(map[string]interface{}); second["value"] != nil {
		t.Errorf("failed value = %v, want null", second["value"])
	}
	if len(errs.messages) != 0 {
		t.Errorf("unexpected failures: %q", errs.messages)
	}
}

func TestFileSink_CSV(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(FileConfig{
		Folder:         dir,
		FilenameFormat: "data_%Y%m%d.csv",
		Format:         FormatCSV,
		Enabled:        true,
		IncludeHeader:  true,
	}, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	sink.now = fixedNow

	sink.Persist(sampleRecord("a"))
	sink.Persist(sampleRecord("b"))

	lines := readLines(t, filepath.Join(dir, "data_20240301.csv"))
	want := []string{
		"timestamp,v1,i1",
		"2024-03-01 12:00:00,230.5,",
		"2024-03-01 12:00:00,230.5,",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("csv =\n%s\nwant\n%s", strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}

func TestFileSink_CSVColumnsChange(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Folder: dir, FilenameFormat: "data_%Y%m%d.csv", Format: FormatCSV, Enabled: true, IncludeHeader: true}
	newSink := func() *FileSink {
		sink, err := NewFileSink(cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		sink.now = fixedNow
		return sink
	}

	widened := sampleRecord("c")
	widened.Entries = append(widened.Entries, measure.Entry{Key: "f", Unit: "Hz", Value: 50})

	sink := newSink()
	sink.Persist(sampleRecord("a"))
	sink.Persist(widened)
	sink.Persist(widened)

	// A restart with unchanged columns continues under the last header
	newSink().Persist(widened)
	// A restart with the old catalog starts a new section
	newSink().Persist(sampleRecord("b"))

	want := []string{
		"timestamp,v1,i1",
		"2024-03-01 12:00:00,230.5,",
		"timestamp,v1,i1,f",
		"2024-03-01 12:00:00,230.5,,50",
		"2024-03-01 12:00:00,230.5,,50",
		"2024-03-01 12:00:00,230.5,,50",
		"timestamp,v1,i1",
		"2024-03-01 12:00:00,230.5,",
	}
	lines := readLines(t, filepath.Join(dir, "data_20240301.csv"))
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("csv =\n%s\nwant\n%s", strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}

func TestFileSink_NewFilePerDay(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(FileConfig{Folder: dir, FilenameFormat: "data_%Y%m%d.csv", Format: FormatCSV, Enabled: true, IncludeHeader: true}, nil)
	if err != nil {
		t.Fatal(err)
	}

	day := fixedNow()
	sink.now = func() time.Time { return day }
	sink.Persist(sampleRecord("a"))
	day = day.Add(24 * time.Hour)
	sink.Persist(sampleRecord("b"))

	for _, name := range []string{"data_20240301.csv", "data_20240302.csv"} {
		lines := readLines(t, filepath.Join(dir, name))
		if len(lines) != 2 || lines[0] != "timestamp,v1,i1" {
			t.Errorf("%s = %q, want header and one row", name, lines)
		}
	}
}

func TestFileSink_Disabled(t *testing.T) {
	dir := t.TempDir()
	errs := &failureRecorder{}
	sink, err := NewFileSink(FileConfig{Folder: dir, FilenameFormat: "data.json", Enabled: false}, errs)
	if err != nil {
		t.Fatal(err)
	}

	sink.Persist(sampleRecord("a"))

	if _, err := os.Stat(filepath.Join(dir, "data.json")); !os.IsNotExist(err) {
		t.Error("disabled sink must not create the file")
	}
	if len(errs.messages) != 1 || !strings.HasPrefix(errs.messages[0], "Logging skipped") {
		t.Errorf("failures = %q", errs.messages)
	}
}

func TestFileSink_WriteError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	errs := &failureRecorder{}
	sink, err := NewFileSink(FileConfig{Folder: blocker, FilenameFormat: "data.json", Enabled: true}, errs)
	if err != nil {
		t.Fatal(err)
	}
	sink.Persist(sampleRecord("a"))

	if len(errs.messages) != 1 || !strings.HasPrefix(errs.messages[0], "Failed to write log file") {
		t.Errorf("failures = %q", errs.messages)
	}
}

func TestNewFileSink_Validation(t *testing.T) {
	if _, err := NewFileSink(FileConfig{FilenameFormat: "x", Format: "xml"}, nil); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := NewFileSink(FileConfig{}, nil); err == nil {
		t.Error("expected error for empty filename format")
	}
}

func TestErrorLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "error.log")
	el, err := OpenErrorLog(path)
	if err != nil {
		t.Fatalf("OpenErrorLog: %v", err)
	}
	el.LogFailure("empty register catalog")
	el.Persist(sampleRecord("ignored"))
	if err := el.Close(); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if !strings.HasPrefix(lines[0], "[") || !strings.HasSuffix(lines[0], "] ERROR: empty register catalog") {
		t.Errorf("line = %q", lines[0])
	}
	if el.Path() != path {
		t.Errorf("Path() = %q", el.Path())
	}
}

type countingSink struct {
	records, failures int
}

func (c *countingSink) Persist(measure.Record) { c.records++ }
func (c *countingSink) LogFailure(string) { c.failures++ }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := Multi{a, b}

	m.Persist(sampleRecord("a"))
	m.Persist(sampleRecord("b"))
	m.LogFailure("x")

	for i, s := range []*countingSink{a, b} {
		if s.records != 2 || s.failures != 1 {
			t.Errorf("sink %d: records=%d failures=%d", i, s.records, s.failures)
		}
	}
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "fieldlog.db")
	sink, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sink.Close()

	sink.Persist(sampleRecord("first"))
	rec := sampleRecord("second")
	rec.Entries[0].Value = 231
	sink.Persist(rec)
	sink.LogFailure("empty register catalog")

	ctx := context.Background()
	hist, err := sink.History(ctx, "v1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].RecordID != "second" || hist[0].Value != 231 || hist[1].Value != 230.5 {
		t.Errorf("history = %+v", hist)
	}

	failed, err := sink.History(ctx, "i1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || !math.IsNaN(float64(failed[0].Value)) {
		t.Errorf("i1 history = %+v, want one NaN sample", failed)
	}
	data, err := json.Marshal(failed[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"value":null`) {
		t.Errorf("json = %s, want null value", data)
	}

	n, err := sink.Failures(ctx)
	if err != nil || n != 1 {
		t.Errorf("Failures = %d, %v; want 1", n, err)
	}
}
