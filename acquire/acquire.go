// Package acquire turns a register catalog into one measurement entry per
// definition.
package acquire

import (
	"fieldlog/catalog"
	"fieldlog/logging"
	"fieldlog/measure"
	"fieldlog/scaling"
)

// RegisterReader reads the raw first word of a definition.
// *modbus.Reader satisfies it.
type RegisterReader interface {
	ReadOne(def catalog.RegisterDefinition, cat *catalog.Catalog) (uint16, error)
}

// Observer is told about every register that ended up as NaN.
// err is either a *modbus.TransportError or a scaling sentinel error.
type Observer interface {
	RegisterFailed(def catalog.RegisterDefinition, err error)
}

// Pipeline reads and scales every register of a catalog.
type Pipeline struct {
	reader   RegisterReader
	observer Observer
}

// New creates a pipeline reading through r.
func New(r RegisterReader) *Pipeline {
	return &Pipeline{reader: r}
}

// SetObserver installs an observer for per-register failures.
func (p *Pipeline) SetObserver(o Observer) {
	p.observer = o
}

// Acquire returns exactly one entry per definition of cat, in catalog order.
// Failed reads and failed evaluations produce a NaN value.
func (p *Pipeline) Acquire(cat *catalog.Catalog) []measure.Entry {
	settings := cat.Settings()
	entries := make([]measure.Entry, 0, cat.Len())

	for i := 0; i < cat.Len(); i++ {
		def := cat.At(i)
		entry := measure.Entry{Key: def.Key, Unit: def.Unit, Value: scaling.NaN()}

		raw, err := p.reader.ReadOne(def, cat)
		if err != nil {
			p.failed(def, err)
			entries = append(entries, entry)
			continue
		}

		value, err := scaling.EvaluateDetailed(def.Scaling, float32(raw), settings.VTR, settings.CTR)
		if err != nil {
			logging.DebugLog("cycle", "%s: scaling %q with val=%d: %v", def.Key, def.Scaling, raw, err)
			p.failed(def, err)
		} else {
			entry.Value = value
		}
		entries = append(entries, entry)
	}

	return entries
}

func (p *Pipeline) failed(def catalog.RegisterDefinition, err error) {
	if p.observer != nil {
		p.observer.RegisterFailed(def, err)
	}
}
