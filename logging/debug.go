package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const debugTimeFormat = "2006-01-02 15:04:05.000"

// Protocol names used by the logger's subsystems. A name of the form
// "family/variant" is also matched by a filter on the bare family.
var knownProtocols = []string{
	"modbus", "modbus/rtu", "modbus/tcp",
	"cycle",
	"storage",
	"mqtt",
	"valkey",
	"kafka",
	"web",
	"tui",
}

// KnownProtocols returns the protocol names accepted by SetFilter.
func KnownProtocols() []string {
	result := make([]string, len(knownProtocols))
	copy(result, knownProtocols)
	return result
}

// DebugLogger writes verbose troubleshooting output to a dedicated file,
// one line per event, optionally restricted to a set of protocols.
type DebugLogger struct {
	out     io.WriteCloser
	mu      sync.Mutex
	closed  bool
	filters mapset.Set[string] // empty = log all
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated so each run starts with a fresh log.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	l := &DebugLogger{
		out:     file,
		filters: mapset.NewThreadUnsafeSet[string](),
	}
	l.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter restricts logging to a comma-separated list of protocols,
// matched case-insensitively. An empty filter logs everything. Names not in
// KnownProtocols are still applied and returned so the caller can warn.
func (l *DebugLogger) SetFilter(filter string) (unknown []string) {
	if l == nil {
		return nil
	}

	known := mapset.NewThreadUnsafeSet(knownProtocols...)
	filters := mapset.NewThreadUnsafeSet[string]()
	for _, p := range strings.Split(filter, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		filters.Add(p)
		if !known.Contains(p) {
			unknown = append(unknown, p)
		}
	}

	l.mu.Lock()
	l.filters = filters
	l.mu.Unlock()

	if filters.Cardinality() > 0 {
		list := filters.ToSlice()
		sort.Strings(list)
		l.Log("debug", "Filtering enabled for protocols: %s", strings.Join(list, ", "))
	}
	return unknown
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if l.filters.Cardinality() == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	if p == "debug" || l.filters.Contains(p) {
		return true
	}
	family, _, found := strings.Cut(p, "/")
	return found && l.filters.Contains(family)
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.out, "%s [%s] %s\n", time.Now().Format(debugTimeFormat), protocol, fmt.Sprintf(format, args...))
}

// Close writes a footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	fmt.Fprintf(l.out, "%s [debug] Debug logging ended\n", time.Now().Format(debugTimeFormat))
	return l.out.Close()
}

// SetGlobalDebugLogger installs the logger used by the package-level helpers.
// Passing nil disables debug output.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

func global() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	global().Log(protocol, format, args...)
}

// DebugConnect logs a connection attempt.
func DebugConnect(protocol, address string) {
	DebugLog(protocol, "CONNECT to %s", address)
}

// DebugConnectSuccess logs a successful connection.
func DebugConnectSuccess(protocol, address, details string) {
	if details == "" {
		DebugLog(protocol, "CONNECTED to %s", address)
		return
	}
	DebugLog(protocol, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError logs a failed connection attempt.
func DebugConnectError(protocol, address string, err error) {
	DebugLog(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect logs a disconnection.
func DebugDisconnect(protocol, address, reason string) {
	if reason == "" {
		DebugLog(protocol, "DISCONNECT from %s", address)
		return
	}
	DebugLog(protocol, "DISCONNECT from %s: %s", address, reason)
}

// DebugError logs an error with context.
func DebugError(protocol, context string, err error) {
	DebugLog(protocol, "ERROR in %s: %v", context, err)
}

type protocolWriter string

func (p protocolWriter) Write(b []byte) (int, error) {
	DebugLog(string(p), "%s", strings.TrimRight(string(b), "\n"))
	return len(b), nil
}

// Writer returns an io.Writer that forwards each write to the global debug
// logger under the given protocol, for library loggers built on log.Logger.
func Writer(protocol string) io.Writer {
	return protocolWriter(protocol)
}
