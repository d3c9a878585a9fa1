// Package storage persists measurement records: daily record files, the
// error log, an optional SQLite database, and fan-out to several sinks.
package storage

import (
	"fieldlog/logging"
	"fieldlog/measure"
)

// FailureLogger receives cycle-level failure messages.
type FailureLogger interface {
	LogFailure(message string)
}

// ErrorLog appends failure messages to a file as "[time] ERROR: message".
type ErrorLog struct {
	logger *logging.FileLogger
}

// OpenErrorLog opens (or creates) the error log at path.
func OpenErrorLog(path string) (*ErrorLog, error) {
	l, err := logging.NewFileLogger(path, "ERROR: ")
	if err != nil {
		return nil, err
	}
	return &ErrorLog{logger: l}, nil
}

// Path returns the log file path.
func (e *ErrorLog) Path() string {
	return e.logger.Path()
}

func (e *ErrorLog) LogFailure(message string) {
	e.logger.Log("%s", message)
	logging.DebugLog("storage", "error log: %s", message)
}

// Persist is a no-op; the error log only records failures.
func (e *ErrorLog) Persist(measure.Record) {}

func (e *ErrorLog) Close() error {
	return e.logger.Close()
}

// Multi hands every record and failure to each of its sinks in order.
type Multi []measure.Sink

func (m Multi) Persist(rec measure.Record) {
	for _, s := range m {
		s.Persist(rec)
	}
}

func (m Multi) LogFailure(message string) {
	for _, s := range m {
		s.LogFailure(message)
	}
}
