package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fieldlog/logging"
	"fieldlog/measure"
)

var createTablesSQL = []string{`
CREATE TABLE IF NOT EXISTS measurements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    key TEXT NOT NULL,
    unit TEXT,
    value REAL
);`,
	`CREATE INDEX IF NOT EXISTS measurements_key ON measurements(key, id);`,
	`
CREATE TABLE IF NOT EXISTS failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    logged_at TEXT NOT NULL,
    message TEXT NOT NULL
);`,
}

// Sample is one stored value of a register.
type Sample struct {
	RecordID  string
	Timestamp string
	Value     float32 // NaN when the read failed
}

// MarshalJSON writes a failed value as null.
func (s Sample) MarshalJSON() ([]byte, error) {
	out := struct {
		RecordID  string   `json:"record_id"`
		Timestamp string   `json:"timestamp"`
		Value     *float32 `json:"value"`
	}{RecordID: s.RecordID, Timestamp: s.Timestamp}
	if !math.IsNaN(float64(s.Value)) && !math.IsInf(float64(s.Value), 0) {
		v := s.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// SQLiteSink stores every entry as a row. NaN values are stored as NULL.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One writer at a time; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range createTablesSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables in %s: %w", path, err)
		}
	}
	logging.DebugLog("storage", "opened database %s", path)
	return &SQLiteSink{db: db}, nil
}

// Persist inserts one row per entry in a single transaction.
func (s *SQLiteSink) Persist(rec measure.Record) {
	if err := s.insert(rec); err != nil {
		logging.DebugError("storage", "sqlite insert", err)
	}
}

func (s *SQLiteSink) insert(rec measure.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO measurements(record_id, timestamp, key, unit, value) VALUES(?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range rec.Entries {
		var value sql.NullFloat64
		if !e.Failed() && !math.IsInf(float64(e.Value), 0) {
			value = sql.NullFloat64{Float64: float64(e.Value), Valid: true}
		}
		if _, err := stmt.Exec(rec.ID, rec.Timestamp, e.Key, e.Unit, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LogFailure records a cycle failure in the failures table.
func (s *SQLiteSink) LogFailure(message string) {
	_, err := s.db.Exec("INSERT INTO failures(logged_at, message) VALUES(?, ?)",
		time.Now().Format("2006-01-02 15:04:05.000"), message)
	if err != nil {
		logging.DebugError("storage", "sqlite failure log", err)
	}
}

// History returns up to limit of the most recent samples for key, newest first.
func (s *SQLiteSink) History(ctx context.Context, key string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT record_id, timestamp, value FROM measurements WHERE key = ? ORDER BY id DESC LIMIT ?", key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		var value sql.NullFloat64
		if err := rows.Scan(&smp.RecordID, &smp.Timestamp, &value); err != nil {
			return nil, err
		}
		smp.Value = float32(math.NaN())
		if value.Valid {
			smp.Value = float32(value.Float64)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Failures returns the number of logged cycle failures.
func (s *SQLiteSink) Failures(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM failures").Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
