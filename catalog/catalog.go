// Package catalog holds the validated, immutable set of register definitions
// polled on every cycle, together with the catalog-wide addressing and
// transformer-ratio settings.
package catalog

import (
	"errors"
	"fmt"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrEmptyKey     = errors.New("register key is empty")
	ErrDuplicateKey = errors.New("duplicate register key")
	ErrBadLength    = errors.New("register length must be at least 1")
)

// Access modes as written in configuration. Only reads are ever performed.
const (
	AccessReadOnly  = "R-only"
	AccessReadWrite = "R/W"
)

// RegisterDefinition describes one monitored value.
type RegisterDefinition struct {
	Key         string
	Name        string
	Description string
	Unit        string
	Address     uint16 // Logical address as written in configuration
	DataType    string // Informational only (e.g. "UINT16", "FLOAT")
	Length      uint16 // Number of 16-bit words; only the first is decoded
	Scaling     string // Formula evaluated by package scaling
	Access      string
}

// Settings are the catalog-wide properties.
type Settings struct {
	OneBased bool    // Subtract 1 from every address before a physical read
	VTR      float32 // Voltage transformer ratio
	CTR      float32 // Current transformer ratio

	// Optional device registers holding the ratios, read once at startup.
	VTRRegister *uint16
	CTRRegister *uint16
}

// PhysicalAddress applies the addressing convention to a logical address.
func (s Settings) PhysicalAddress(address uint16) uint16 {
	if s.OneBased {
		return address - 1
	}
	return address
}

// Catalog is an immutable view over the register definitions.
// Reconfiguration builds a new Catalog; existing ones are never modified.
type Catalog struct {
	defs     []RegisterDefinition
	byKey    map[string]int
	settings Settings
}

// New validates defs and builds a catalog preserving their order.
func New(defs []RegisterDefinition, settings Settings) (*Catalog, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	byKey := make(map[string]int, len(defs))

	for i, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("register %d: %w", i, ErrEmptyKey)
		}
		if seen.Contains(d.Key) {
			return nil, fmt.Errorf("register %d (%s): %w", i, d.Key, ErrDuplicateKey)
		}
		if d.Length < 1 {
			return nil, fmt.Errorf("register %d (%s): %w", i, d.Key, ErrBadLength)
		}
		seen.Add(d.Key)
		byKey[d.Key] = i
	}

	owned := make([]RegisterDefinition, len(defs))
	copy(owned, defs)

	return &Catalog{
		defs:     owned,
		byKey:    byKey,
		settings: settings,
	}, nil
}

// Empty returns a catalog with no registers.
func Empty(settings Settings) *Catalog {
	return &Catalog{byKey: map[string]int{}, settings: settings}
}

// Len returns the number of registers.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// At returns the i-th definition in configuration order.
func (c *Catalog) At(i int) RegisterDefinition {
	return c.defs[i]
}

// Definitions returns a copy of all definitions in configuration order.
func (c *Catalog) Definitions() []RegisterDefinition {
	result := make([]RegisterDefinition, len(c.defs))
	copy(result, c.defs)
	return result
}

// Keys returns the register keys in configuration order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.defs))
	for i, d := range c.defs {
		keys[i] = d.Key
	}
	return keys
}

// Lookup returns the definition with the given key.
func (c *Catalog) Lookup(key string) (RegisterDefinition, bool) {
	i, ok := c.byKey[key]
	if !ok {
		return RegisterDefinition{}, false
	}
	return c.defs[i], true
}

// Settings returns the catalog-wide settings.
func (c *Catalog) Settings() Settings {
	return c.settings
}

// WithRatios returns a new catalog sharing the definitions but using the
// given transformer ratios.
func (c *Catalog) WithRatios(vtr, ctr float32) *Catalog {
	settings := c.settings
	settings.VTR = vtr
	settings.CTR = ctr
	return &Catalog{
		defs:     c.defs,
		byKey:    c.byKey,
		settings: settings,
	}
}

// Holder publishes the current catalog. Load returns a snapshot that stays
// valid after a Replace.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder creates a holder with an initial catalog.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.Replace(c)
	return h
}

// Load returns the current catalog.
func (h *Holder) Load() *Catalog {
	return h.current.Load()
}

// Replace swaps in a new catalog wholesale. A nil catalog is stored as empty.
func (h *Holder) Replace(c *Catalog) {
	if c == nil {
		c = Empty(Settings{VTR: 1, CTR: 1})
	}
	h.current.Store(c)
}
