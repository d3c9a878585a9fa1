// Package cycle runs polling cycles: read every register of the current
// catalog, then hand one record to the sink.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fieldlog/catalog"
	"fieldlog/logging"
	"fieldlog/measure"
)

// TimestampFormat is the record timestamp layout (YYYY-MM-DD HH:MM:SS).
const TimestampFormat = "2006-01-02 15:04:05"

// ErrCycleInProgress is returned by RunCycle while another cycle runs.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Failure messages handed to Sink.LogFailure.
const msgEmptyCatalog = "empty register catalog"

// Status is the orchestrator state.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// Clock supplies record timestamps.
type Clock interface {
	Now() string
}

// SystemClock formats the local wall clock with TimestampFormat.
type SystemClock struct{}

func (SystemClock) Now() string {
	return time.Now().Format(TimestampFormat)
}

// Acquirer produces one entry per catalog definition.
// *acquire.Pipeline satisfies it.
type Acquirer interface {
	Acquire(cat *catalog.Catalog) []measure.Entry
}

// Result summarises one finished cycle.
type Result struct {
	ID        string
	Timestamp string
	Registers int
	Failed    int // Entries holding NaN
	Persisted bool
	Message   string // Failure reported to the sink, empty when persisted
	Duration  time.Duration
}

// Observer is notified after every cycle.
type Observer interface {
	CycleDone(res Result)
}

// Observers notifies each observer in order.
type Observers []Observer

// CycleDone implements Observer.
func (all Observers) CycleDone(res Result) {
	for _, o := range all {
		o.CycleDone(res)
	}
}

// Stats are counters kept across cycles.
type Stats struct {
	Cycles     int64
	Persisted  int64
	Failures   int64
	LastCycle  time.Time
	LastResult Result
}

// Orchestrator runs cycles one at a time.
type Orchestrator struct {
	holder   *catalog.Holder
	pipeline Acquirer
	sink     measure.Sink
	clock    Clock
	observer Observer

	status atomic.Int32

	stats      Stats
	lastRecord *measure.Record
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator using the system clock.
func New(holder *catalog.Holder, pipeline Acquirer, sink measure.Sink) *Orchestrator {
	return &Orchestrator{
		holder:   holder,
		pipeline: pipeline,
		sink:     sink,
		clock:    SystemClock{},
	}
}

// SetClock replaces the timestamp source.
func (o *Orchestrator) SetClock(c Clock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = c
}

// SetObserver installs a per-cycle observer.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = obs
}

// Status returns the current state.
func (o *Orchestrator) Status() Status {
	return Status(o.status.Load())
}

// RunCycle performs one complete cycle. It returns ErrCycleInProgress,
// without touching the device or the sink, when a cycle is already running.
func (o *Orchestrator) RunCycle() (Result, error) {
	if !o.status.CompareAndSwap(int32(StatusIdle), int32(StatusRunning)) {
		return Result{}, ErrCycleInProgress
	}
	defer o.status.Store(int32(StatusIdle))

	o.mu.RLock()
	clock, observer := o.clock, o.observer
	o.mu.RUnlock()

	start := time.Now()
	res := Result{ID: uuid.NewString(), Timestamp: clock.Now()}

	cat := o.holder.Load()
	entries := o.pipeline.Acquire(cat)
	res.Registers = cat.Len()

	switch {
	case cat.Len() == 0:
		res.Message = msgEmptyCatalog
	case len(entries) != cat.Len():
		res.Message = fmt.Sprintf("register/value count mismatch: %d registers, %d values", cat.Len(), len(entries))
	}

	var rec *measure.Record
	if res.Message == "" {
		rec = &measure.Record{ID: res.ID, Timestamp: res.Timestamp, Entries: entries}
		res.Failed = rec.Failures()
		o.sink.Persist(*rec)
		res.Persisted = true
		logging.DebugLog("cycle", "cycle %s at %s: %d registers, %d failed", res.ID, res.Timestamp, res.Registers, res.Failed)
	} else {
		o.sink.LogFailure(res.Message)
		logging.DebugLog("cycle", "cycle %s at %s failed: %s", res.ID, res.Timestamp, res.Message)
	}
	res.Duration = time.Since(start)

	o.mu.Lock()
	o.stats.Cycles++
	if res.Persisted {
		o.stats.Persisted++
		o.lastRecord = rec
	} else {
		o.stats.Failures++
	}
	o.stats.LastCycle = start
	o.stats.LastResult = res
	o.mu.Unlock()

	if observer != nil {
		observer.CycleDone(res)
	}
	return res, nil
}

// Stats returns a copy of the cycle counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stats
}

// LastRecord returns the most recently persisted record.
func (o *Orchestrator) LastRecord() (measure.Record, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastRecord == nil {
		return measure.Record{}, false
	}
	return *o.lastRecord, true
}

// Run performs a cycle immediately and then once per interval until ctx is
// done. A tick that arrives while a cycle is still running is dropped.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cycle: interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.Tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Tick()
		}
	}
}

// Tick runs one cycle on behalf of the ticker or an operator. A cycle that
// cannot start is logged to the debug log and reported as false.
func (o *Orchestrator) Tick() bool {
	if _, err := o.RunCycle(); err != nil {
		logging.DebugLog("cycle", "tick skipped: %v", err)
		return false
	}
	return true
}

// Start runs the polling loop in the background.
func (o *Orchestrator) Start(interval time.Duration) {
	o.mu.Lock()
	if o.ctx != nil {
		o.mu.Unlock()
		return // Already running
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	ctx := o.ctx
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Run(ctx, interval); err != nil {
			logging.DebugError("cycle", "run", err)
		}
	}()
}

// Stop ends the background loop and waits for the current cycle to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	o.ctx = nil
	o.cancel = nil
	o.mu.Unlock()
}
