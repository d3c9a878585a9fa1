// Package logging provides the append-only file loggers used for the error
// log and the protocol debug log.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends timestamped lines to a file.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file   *os.File
	path   string
	prefix string
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating the file and its parent
// directory if needed. Every line is written as "<timestamp> <prefix><msg>".
func NewFileLogger(path, prefix string) (*FileLogger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file:   file,
		path:   path,
		prefix: prefix,
	}, nil
}

// Path returns the file the logger appends to.
func (l *FileLogger) Path() string {
	return l.path
}

// Log writes a formatted message to the log file with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s%s\n", timestamp, l.prefix, msg)
}

// Close closes the log file. It is safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
