package measure

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestRecord_JSON(t *testing.T) {
	rec := Record{
		Timestamp: "2025-07-03 12:00:00",
		Entries: []Entry{
			{Key: "v1", Unit: "V", Value: 120},
			{Key: "i1", Unit: "A", Value: float32(math.NaN())},
		},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	str := string(data)
	if !strings.Contains(str, `"timestamp":"2025-07-03 12:00:00"`) {
		t.Errorf("missing timestamp: %s", str)
	}
	if !strings.Contains(str, `{"key":"v1","value":120,"unit":"V"}`) {
		t.Errorf("unexpected v1 entry: %s", str)
	}
	if !strings.Contains(str, `{"key":"i1","value":null,"unit":"A"}`) {
		t.Errorf("NaN should be written as null: %s", str)
	}
	if strings.Contains(str, `"id"`) {
		t.Errorf("empty id should be omitted: %s", str)
	}

	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(decoded.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(decoded.Entries))
	}
	if decoded.Entries[0].Value != 120 {
		t.Errorf("expected 120, got %v", decoded.Entries[0].Value)
	}
	if !decoded.Entries[1].Failed() {
		t.Error("null value should decode as NaN")
	}
}

func TestRecord_Helpers(t *testing.T) {
	rec := Record{Entries: []Entry{
		{Key: "a", Value: 1},
		{Key: "b", Value: float32(math.NaN())},
		{Key: "c", Value: float32(math.NaN())},
	}}

	if rec.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", rec.Failures())
	}
	if v, ok := rec.Value("a"); !ok || v != 1 {
		t.Errorf("Value(a) = %v, %v", v, ok)
	}
	if _, ok := rec.Value("z"); ok {
		t.Error("Value(z) should not be found")
	}
}
