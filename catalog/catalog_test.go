package catalog

import (
	"errors"
	"testing"
)

func testDefs() []RegisterDefinition {
	return []RegisterDefinition{
		{Key: "v1", Name: "Voltage L1", Unit: "V", Address: 10, Length: 1, Scaling: "val * 0.1"},
		{Key: "i1", Name: "Current L1", Unit: "A", Address: 12, Length: 2, Scaling: "CTR * val / 1000"},
		{Key: "f", Name: "Frequency", Unit: "Hz", Address: 20, Length: 1, Scaling: "val / 100"},
	}
}

func TestNew(t *testing.T) {
	t.Run("preserves order", func(t *testing.T) {
		c, err := New(testDefs(), Settings{VTR: 1, CTR: 1})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if c.Len() != 3 {
			t.Fatalf("expected 3 registers, got %d", c.Len())
		}
		keys := c.Keys()
		want := []string{"v1", "i1", "f"}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("key %d = %q, want %q", i, keys[i], want[i])
			}
			if c.At(i).Key != want[i] {
				t.Errorf("At(%d).Key = %q, want %q", i, c.At(i).Key, want[i])
			}
		}
	})

	t.Run("empty catalog is valid", func(t *testing.T) {
		c, err := New(nil, Settings{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if c.Len() != 0 {
			t.Errorf("expected empty catalog, got %d", c.Len())
		}
	})

	tests := []struct {
		name    string
		defs    []RegisterDefinition
		wantErr error
	}{
		{"empty key", []RegisterDefinition{{Key: "", Length: 1}}, ErrEmptyKey},
		{"duplicate key", []RegisterDefinition{{Key: "a", Length: 1}, {Key: "a", Length: 1}}, ErrDuplicateKey},
		{"zero length", []RegisterDefinition{{Key: "a", Length: 0}}, ErrBadLength},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.defs, Settings{})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("New error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCatalog_Immutable(t *testing.T) {
	defs := testDefs()
	c, err := New(defs, Settings{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	defs[0].Key = "changed"
	if c.At(0).Key != "v1" {
		t.Error("catalog shares the caller's slice")
	}

	copied := c.Definitions()
	copied[1].Scaling = "0"
	if c.At(1).Scaling != "CTR * val / 1000" {
		t.Error("Definitions returned the internal slice")
	}
}

func TestCatalog_Lookup(t *testing.T) {
	c, _ := New(testDefs(), Settings{})

	d, ok := c.Lookup("i1")
	if !ok {
		t.Fatal("expected i1 to be found")
	}
	if d.Address != 12 || d.Length != 2 {
		t.Errorf("unexpected definition: %+v", d)
	}

	if _, ok := c.Lookup("missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestCatalog_WithRatios(t *testing.T) {
	c, _ := New(testDefs(), Settings{OneBased: true, VTR: 1, CTR: 1})
	updated := c.WithRatios(100, 5)

	if s := c.Settings(); s.VTR != 1 || s.CTR != 1 {
		t.Errorf("original catalog changed: %+v", s)
	}
	s := updated.Settings()
	if s.VTR != 100 || s.CTR != 5 {
		t.Errorf("expected ratios 100/5, got %v/%v", s.VTR, s.CTR)
	}
	if !s.OneBased {
		t.Error("addressing mode lost")
	}
	if updated.Len() != c.Len() {
		t.Errorf("definitions lost: %d vs %d", updated.Len(), c.Len())
	}
}

func TestSettings_PhysicalAddress(t *testing.T) {
	tests := []struct {
		oneBased bool
		address  uint16
		expected uint16
	}{
		{true, 100, 99},
		{false, 100, 100},
		{true, 1, 0},
		{false, 0, 0},
	}
	for _, tc := range tests {
		s := Settings{OneBased: tc.oneBased}
		if got := s.PhysicalAddress(tc.address); got != tc.expected {
			t.Errorf("PhysicalAddress(%d, oneBased=%v) = %d, want %d", tc.address, tc.oneBased, got, tc.expected)
		}
	}
}

func TestHolder(t *testing.T) {
	first, _ := New(testDefs(), Settings{})
	h := NewHolder(first)

	snapshot := h.Load()
	second, _ := New(testDefs()[:1], Settings{})
	h.Replace(second)

	if snapshot.Len() != 3 {
		t.Errorf("snapshot changed after replace: %d", snapshot.Len())
	}
	if h.Load().Len() != 1 {
		t.Errorf("expected replaced catalog, got %d registers", h.Load().Len())
	}

	h.Replace(nil)
	if h.Load() == nil || h.Load().Len() != 0 {
		t.Error("nil replace should store an empty catalog")
	}
}
