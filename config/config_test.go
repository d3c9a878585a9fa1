package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fieldlog/catalog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	comm := cfg.Communication
	if comm.ModbusID != 1 || comm.Baudrate != 9600 || comm.Parity != "N" || comm.StopBits != 1 || comm.DataBits != 8 {
		t.Errorf("unexpected serial defaults: %+v", comm)
	}
	if comm.VTR != 1 || comm.CTR != 1 {
		t.Errorf("expected unit ratios, got %g/%g", comm.VTR, comm.CTR)
	}
	if cfg.Logging.IntervalMS != 1000 {
		t.Errorf("expected 1000 ms interval, got %d", cfg.Logging.IntervalMS)
	}
	if cfg.Interval() != time.Second {
		t.Errorf("Interval() = %v, want 1s", cfg.Interval())
	}
	if !cfg.Logging.Enabled || !cfg.Logging.IncludeHeader {
		t.Error("expected logging enabled with header")
	}
	if cfg.Logging.FilenameFormat != "data_%Y%m%d.json" {
		t.Errorf("unexpected filename format %q", cfg.Logging.FilenameFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

const firmwareJSON = `{
	"debug": true,
	"communication": {
		"modbus_id": 3,
		"baudrate": 19200,
		"parity": "E",
		"stop_bits": 1,
		"data_bits": 8,
		"addressing_mode": "1-based",
		"VTR": 100,
		"CTR": 40,
		"VTR_register": 4001,
		"CTR_register": 4002
	},
	"logging": {
		"interval_ms": 5000,
		"output_folder": "/logs",
		"filename_format": "data_%Y%m%d.json",
		"enabled": true,
		"include_header": false
	},
	"registers": [
		{"key": "v1", "name": "Voltage L1", "description": "Phase voltage", "register": 100,
		 "type": "UINT16", "unit": "V", "scaling": "val * 0.1", "access": "R-only", "length": 1},
		{"key": "p", "name": "Active power", "register": 120,
		 "type": "UINT32", "unit": "kW", "scaling": "CTR * val / VTR", "access": "R-only", "length": 2}
	]
}`

func TestLoad_FirmwareJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(firmwareJSON), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Debug {
		t.Error("expected debug enabled")
	}
	comm := cfg.Communication
	if comm.ModbusID != 3 || comm.Baudrate != 19200 || comm.Parity != "E" {
		t.Errorf("communication not loaded: %+v", comm)
	}
	if comm.VTRRegister == nil || *comm.VTRRegister != 4001 {
		t.Error("VTR_register not loaded")
	}
	// Keys absent from the file keep their defaults
	if comm.Port != "/dev/ttyUSB0" || comm.Timeout != 1000 {
		t.Errorf("defaults lost: port=%q timeout=%d", comm.Port, comm.Timeout)
	}
	if cfg.Logging.IntervalMS != 5000 || cfg.Logging.IncludeHeader {
		t.Errorf("logging not loaded: %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("catalog has %d registers, want 2", cat.Len())
	}
	p, ok := cat.Lookup("p")
	if !ok || p.Address != 120 || p.Length != 2 || p.DataType != "UINT32" {
		t.Errorf("register p = %+v", p)
	}
	s := cat.Settings()
	if !s.OneBased || s.VTR != 100 || s.CTR != 40 {
		t.Errorf("settings = %+v", s)
	}
	if s.PhysicalAddress(100) != 99 {
		t.Errorf("PhysicalAddress(100) = %d, want 99", s.PhysicalAddress(100))
	}

	mb := cfg.Modbus()
	if mb.SlaveID != 3 || mb.BaudRate != 19200 || mb.Timeout != time.Second || mb.Mode != "rtu" {
		t.Errorf("Modbus() = %+v", mb)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "nonexistent.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Logging.IntervalMS != 1000 {
			t.Error("expected default config")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("defaults were not written: %v", err)
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := DefaultConfig()
		cfg.Device = "feeder-7"
		cfg.Communication.Transport = "tcp"
		cfg.Communication.Address = "10.0.0.5:502"
		cfg.Registers = []RegisterConfig{
			{Key: "f", Name: "Frequency", Register: 7, Unit: "Hz", Scaling: "val/100", Access: "R-only"},
		}
		cfg.MQTT = []MQTTConfig{{Name: "plant", Enabled: true, Broker: "mqtt.local", Port: 1883}}
		cfg.Valkey = []ValkeyConfig{{Name: "cache", Address: "localhost:6379", KeyTTL: time.Minute}}
		cfg.Kafka = []KafkaConfig{{Name: "events", Brokers: []string{"k1:9092"}}}

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if loaded.Device != "feeder-7" || loaded.Communication.Address != "10.0.0.5:502" {
			t.Errorf("device/communication not preserved: %+v", loaded.Communication)
		}
		if len(loaded.Registers) != 1 || loaded.Registers[0].Scaling != "val/100" {
			t.Error("registers not preserved")
		}
		if m := loaded.FindMQTT("plant"); m == nil || m.Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
		if v := loaded.FindValkey("cache"); v == nil || v.KeyTTL != time.Minute {
			t.Error("Valkey config not preserved")
		}
		if k := loaded.FindKafka("events"); k == nil || len(k.Brokers) != 1 {
			t.Error("Kafka config not preserved")
		}
		if loaded.FindMQTT("missing") != nil {
			t.Error("expected nil for unknown MQTT name")
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		if err := DefaultConfig().Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid yaml")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty device", func(c *Config) { c.Device = "" }},
		{"device with slash", func(c *Config) { c.Device = "a/b" }},
		{"rtu without port", func(c *Config) { c.Communication.Port = "" }},
		{"bad parity", func(c *Config) { c.Communication.Parity = "X" }},
		{"bad stop bits", func(c *Config) { c.Communication.StopBits = 3 }},
		{"bad data bits", func(c *Config) { c.Communication.DataBits = 9 }},
		{"zero baudrate", func(c *Config) { c.Communication.Baudrate = 0 }},
		{"tcp without address", func(c *Config) { c.Communication.Transport = "tcp" }},
		{"unknown transport", func(c *Config) { c.Communication.Transport = "ascii" }},
		{"slave id zero", func(c *Config) { c.Communication.ModbusID = 0 }},
		{"slave id too high", func(c *Config) { c.Communication.ModbusID = 248 }},
		{"bad addressing", func(c *Config) { c.Communication.AddressingMode = "2-based" }},
		{"zero timeout", func(c *Config) { c.Communication.Timeout = 0 }},
		{"negative timeout", func(c *Config) { c.Communication.Timeout = -5 }},
		{"explicit zero length", func(c *Config) {
			zero := uint16(0)
			c.Registers = []RegisterConfig{{Key: "a", Length: &zero}}
		}},
		{"zero interval", func(c *Config) { c.Logging.IntervalMS = 0 }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"duplicate keys", func(c *Config) {
			c.Registers = []RegisterConfig{{Key: "a"}, {Key: "a"}}
		}},
		{"empty key", func(c *Config) { c.Registers = []RegisterConfig{{Key: ""}} }},
		{"mqtt without broker", func(c *Config) { c.MQTT = []MQTTConfig{{Name: "m", Enabled: true}} }},
		{"valkey without address", func(c *Config) { c.Valkey = []ValkeyConfig{{Name: "v", Enabled: true}} }},
		{"kafka without brokers", func(c *Config) { c.Kafka = []KafkaConfig{{Name: "k", Enabled: true}} }},
		{"web port", func(c *Config) {
			c.Web.Enabled = true
			c.Web.Port = 70000
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	t.Run("duplicate key detail", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registers = []RegisterConfig{{Key: "a"}, {Key: "a"}}
		if _, err := cfg.Catalog(); !errors.Is(err, catalog.ErrDuplicateKey) {
			t.Errorf("Catalog() = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("disabled publishers are not checked", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MQTT = []MQTTConfig{{Name: "m"}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})
}

func TestCatalog_Length(t *testing.T) {
	two := uint16(2)
	zero := uint16(0)

	cfg := DefaultConfig()
	cfg.Registers = []RegisterConfig{{Key: "absent"}, {Key: "double", Length: &two}}
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if d, _ := cat.Lookup("absent"); d.Length != 1 {
		t.Errorf("absent length = %d, want 1", d.Length)
	}
	if d, _ := cat.Lookup("double"); d.Length != 2 {
		t.Errorf("explicit length = %d, want 2", d.Length)
	}

	cfg.Registers = []RegisterConfig{{Key: "bad", Length: &zero}}
	if _, err := cfg.Catalog(); !errors.Is(err, catalog.ErrBadLength) {
		t.Errorf("Catalog() = %v, want ErrBadLength", err)
	}
}

func TestLoad_ZeroLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "registers:\n  - key: a\n    register: 1\n    scaling: val\n  - key: b\n    register: 2\n    scaling: val\n    length: 0\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registers[0].Length != nil {
		t.Errorf("absent length decoded as %d", *cfg.Registers[0].Length)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) || !errors.Is(err, catalog.ErrBadLength) {
		t.Errorf("Validate() = %v, want ErrInvalid wrapping ErrBadLength", err)
	}
}

func TestModbus_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Communication.Timeout = 250
	if got := cfg.Modbus().Timeout; got != 250*time.Millisecond {
		t.Errorf("Modbus().Timeout = %v, want 250ms", got)
	}
}

func TestWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registers = []RegisterConfig{
		{Key: "ok", Scaling: "val * 0.1"},
		{Key: "div", Scaling: "val / 0"},
		{Key: "bad", Scaling: "+ * val"},
		{Key: "open", Scaling: "(val * 2"},
	}

	warnings := cfg.Warnings()
	if len(warnings) != 2 {
		t.Fatalf("got %d warnings, want 2: %q", len(warnings), warnings)
	}
}

func TestWarnings_Access(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registers = []RegisterConfig{
		{Key: "ro", Scaling: "val", Access: catalog.AccessReadOnly},
		{Key: "rw", Scaling: "val", Access: catalog.AccessReadWrite},
		{Key: "none", Scaling: "val"},
		{Key: "odd", Scaling: "val", Access: "W-only"},
	}

	warnings := cfg.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], `"odd"`) {
		t.Errorf("warnings = %q, want one for register odd", warnings)
	}
}

func TestWarnings_OneBasedZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Communication.AddressingMode = AddressingOneBased
	cfg.Registers = []RegisterConfig{
		{Key: "zero", Register: 0, Scaling: "val"},
		{Key: "one", Register: 1, Scaling: "val"},
	}

	warnings := cfg.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], `"zero"`) {
		t.Errorf("warnings = %q, want one for register zero", warnings)
	}

	cfg.Communication.AddressingMode = AddressingZeroBased
	if w := cfg.Warnings(); len(w) != 0 {
		t.Errorf("0-based warnings = %q, want none", w)
	}
}

func TestIsValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"meter", true},
		{"feeder-7.main_1", true},
		{"", false},
		{"a b", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		if got := IsValidName(tt.name); got != tt.valid {
			t.Errorf("IsValidName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}
