package mqtt

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"fieldlog/config"
	"fieldlog/measure"
)

func testRecord() measure.Record {
	return measure.Record{
		ID:        "rec-1",
		Timestamp: "2024-03-01 12:00:00",
		Entries: []measure.Entry{
			{Key: "v1", Unit: "V", Value: 230.5},
			{Key: "i1", Unit: "A", Value: float32(math.NaN())},
		},
	}
}

func TestChangeDetection(t *testing.T) {
	p := NewPublisher(&config.MQTTConfig{Name: "test"}, "meter")

	t.Run("new key should always publish", func(t *testing.T) {
		if !p.changed("v1", 230) {
			t.Error("new key should publish")
		}
	})

	t.Run("identical values should not republish", func(t *testing.T) {
		if p.changed("v1", 230) {
			t.Error("identical value should not republish")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		if !p.changed("v1", 231) {
			t.Error("different value should republish")
		}
	})

	t.Run("repeated NaN should not republish", func(t *testing.T) {
		nan := float32(math.NaN())
		if !p.changed("i1", nan) {
			t.Error("first NaN should publish")
		}
		if p.changed("i1", nan) {
			t.Error("second NaN should not republish")
		}
	})

	t.Run("keys are tracked separately", func(t *testing.T) {
		if !p.changed("f", 231) {
			t.Error("other key with same value should publish")
		}
	})
}

func TestRecordMessage_JSON(t *testing.T) {
	data, err := json.Marshal(RecordMessage{Device: "meter", Record: testRecord()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["device"] != "meter" || decoded["id"] != "rec-1" || decoded["timestamp"] != "2024-03-01 12:00:00" {
		t.Errorf("unexpected payload %s", data)
	}
	values, ok := decoded["values"].([]interface{})
	if !ok || len(values) != 2 {
		t.Fatalf("values = %v", decoded["values"])
	}
	if !strings.Contains(string(data), `"value":null`) {
		t.Errorf("failed entry should be null: %s", data)
	}
}

func TestRegisterMessage(t *testing.T) {
	rec := testRecord()

	ok := registerMessage("meter", rec.Timestamp, rec.Entries[0])
	if ok.Value == nil || *ok.Value != 230.5 || ok.Unit != "V" {
		t.Errorf("message = %+v", ok)
	}

	failed := registerMessage("meter", rec.Timestamp, rec.Entries[1])
	if failed.Value != nil {
		t.Errorf("failed value = %v, want nil", *failed.Value)
	}
}

func TestPublisher_Topics(t *testing.T) {
	tests := []struct {
		selector string
		want     string
	}{
		{"", "meter/records"},
		{"line1", "meter/line1/records"},
	}
	for _, tt := range tests {
		p := NewPublisher(&config.MQTTConfig{Name: "t", Selector: tt.selector}, "meter")
		if got := p.RecordsTopic(); got != tt.want {
			t.Errorf("RecordsTopic(%q) = %q, want %q", tt.selector, got, tt.want)
		}
	}

	p := NewPublisher(&config.MQTTConfig{Broker: "broker.local", Port: 8883, UseTLS: true}, "meter")
	if p.Address() != "ssl://broker.local:8883" {
		t.Errorf("Address() = %q", p.Address())
	}
}

func TestPublisher_NotRunning(t *testing.T) {
	p := NewPublisher(&config.MQTTConfig{Name: "idle"}, "meter")
	if p.IsRunning() {
		t.Error("new publisher should not be running")
	}
	if p.Publish(testRecord()) {
		t.Error("Publish should fail when not connected")
	}
	if p.PublishError("x") {
		t.Error("PublishError should fail when not connected")
	}
	p.Stop()
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.MQTTConfig{
		{Name: "a", Broker: "a.local", Port: 1883},
		{Name: "b", Broker: "b.local", Port: 1883},
	}, "meter")

	if len(m.List()) != 2 {
		t.Fatalf("List() = %d publishers, want 2", len(m.List()))
	}
	if m.Get("a") == nil || m.Get("missing") != nil {
		t.Error("Get returned unexpected result")
	}

	// Disabled publishers are not started
	if started := m.StartAll(); started != 0 {
		t.Errorf("StartAll() = %d, want 0", started)
	}
	if m.AnyRunning() {
		t.Error("no publisher should be running")
	}

	// Nothing is running; these must not block or panic
	m.Persist(testRecord())
	m.LogFailure("empty register catalog")

	m.Remove("a")
	if len(m.List()) != 1 {
		t.Errorf("List() after Remove = %d, want 1", len(m.List()))
	}
	m.StopAll()
}
