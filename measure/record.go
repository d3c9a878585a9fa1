// Package measure defines the measurement record produced by one polling
// cycle and the sink contract it is handed to.
package measure

import (
	"encoding/json"
	"math"
)

// Entry is one scaled register value. Value is NaN when the read or the
// scaling failed.
type Entry struct {
	Key   string
	Unit  string
	Value float32
}

// Failed reports whether the entry holds the NaN sentinel.
func (e Entry) Failed() bool {
	return math.IsNaN(float64(e.Value))
}

// entryJSON is the wire shape of an Entry. NaN is written as null since
// JSON has no representation for it.
type entryJSON struct {
	Key   string   `json:"key"`
	Value *float32 `json:"value"`
	Unit  string   `json:"unit"`
}

// MarshalJSON writes the entry with a null value for NaN.
func (e Entry) MarshalJSON() ([]byte, error) {
	w := entryJSON{Key: e.Key, Unit: e.Unit}
	if !e.Failed() && !math.IsInf(float64(e.Value), 0) {
		v := e.Value
		w.Value = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads an entry, mapping a null value back to NaN.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Key = w.Key
	e.Unit = w.Unit
	if w.Value == nil {
		e.Value = float32(math.NaN())
	} else {
		e.Value = *w.Value
	}
	return nil
}

// Record is the output of one polling cycle. It is never modified after
// being handed to a sink.
type Record struct {
	ID        string  `json:"id,omitempty"`
	Timestamp string  `json:"timestamp"`
	Entries   []Entry `json:"values"`
}

// Value returns the value recorded for key.
func (r Record) Value(key string) (float32, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return 0, false
}

// Failures counts the entries holding NaN.
func (r Record) Failures() int {
	n := 0
	for _, e := range r.Entries {
		if e.Failed() {
			n++
		}
	}
	return n
}

// Sink receives completed records and cycle-level failure reports.
// Implementations handle their own errors; nothing is reported back.
type Sink interface {
	Persist(rec Record)
	LogFailure(message string)
}
