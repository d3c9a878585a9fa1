// Package config handles configuration persistence for the fieldlog logger.
//
// The file is YAML. Files ending in .json are read with the same schema,
// which keeps the logger's original JSON layout loadable unchanged.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"fieldlog/catalog"
	"fieldlog/modbus"
	"fieldlog/scaling"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Addressing modes.
const (
	AddressingZeroBased = "0-based"
	AddressingOneBased  = "1-based"
)

// Record file formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Config holds the complete application configuration.
type Config struct {
	Device        string              `yaml:"device" json:"device"` // Used in topic and key names
	Debug         bool                `yaml:"debug" json:"debug"`
	Communication CommunicationConfig `yaml:"communication" json:"communication"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Registers     []RegisterConfig    `yaml:"registers" json:"registers"`
	MQTT          []MQTTConfig        `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Valkey        []ValkeyConfig      `yaml:"valkey,omitempty" json:"valkey,omitempty"`
	Kafka         []KafkaConfig       `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	Web           WebConfig           `yaml:"web" json:"web"`

	// Data mutex protects all config fields during Save.
	dataMu sync.Mutex `yaml:"-" json:"-"`
}

// CommunicationConfig holds the Modbus link and catalog-wide register settings.
type CommunicationConfig struct {
	Transport      string  `yaml:"transport,omitempty" json:"transport,omitempty"` // "rtu" (default) or "tcp"
	Port           string  `yaml:"port,omitempty" json:"port,omitempty"`           // Serial device
	Address        string  `yaml:"address,omitempty" json:"address,omitempty"`     // host:port for tcp
	ModbusID       int     `yaml:"modbus_id" json:"modbus_id"`
	Baudrate       int     `yaml:"baudrate" json:"baudrate"`
	Parity         string  `yaml:"parity" json:"parity"`
	StopBits       int     `yaml:"stop_bits" json:"stop_bits"`
	DataBits       int     `yaml:"data_bits" json:"data_bits"`
	Timeout        int     `yaml:"timeout" json:"timeout"` // milliseconds
	AddressingMode string  `yaml:"addressing_mode" json:"addressing_mode"`
	VTR            float32 `yaml:"VTR" json:"VTR"`
	CTR            float32 `yaml:"CTR" json:"CTR"`
	VTRRegister    *uint16 `yaml:"VTR_register,omitempty" json:"VTR_register,omitempty"`
	CTRRegister    *uint16 `yaml:"CTR_register,omitempty" json:"CTR_register,omitempty"`
}

// LoggingConfig controls the record files and the error log.
type LoggingConfig struct {
	IntervalMS     int    `yaml:"interval_ms" json:"interval_ms"`
	OutputFolder   string `yaml:"output_folder" json:"output_folder"`
	FilenameFormat string `yaml:"filename_format" json:"filename_format"` // strftime pattern
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	IncludeHeader  bool   `yaml:"include_header" json:"include_header"` // CSV only
	Format         string `yaml:"format,omitempty" json:"format,omitempty"`
	ErrorLog       string `yaml:"error_log,omitempty" json:"error_log,omitempty"`
	SQLitePath     string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"` // Empty disables the SQLite sink
}

// RegisterConfig is one register entry as written in the file.
type RegisterConfig struct {
	Key         string  `yaml:"key" json:"key"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Register    uint16  `yaml:"register" json:"register"`
	Type        string  `yaml:"type" json:"type"`
	Unit        string  `yaml:"unit" json:"unit"`
	Scaling     string  `yaml:"scaling" json:"scaling"`
	Access      string  `yaml:"access" json:"access"`
	Length      *uint16 `yaml:"length,omitempty" json:"length,omitempty"` // nil means one word
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name" json:"name"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name" json:"name"`
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Address        string        `yaml:"address" json:"address"` // host:port format
	Password       string        `yaml:"password,omitempty" json:"password,omitempty"`
	Database       int           `yaml:"database" json:"database"`
	Selector       string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty" json:"key_ttl,omitempty"`                 // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty" json:"publish_changes,omitempty"` // Publish every record to Pub/Sub
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name" json:"name"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Brokers       []string      `yaml:"brokers" json:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty" json:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty" json:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string        `yaml:"password,omitempty" json:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty" json:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`
	Topic         string        `yaml:"topic,omitempty" json:"topic,omitempty"` // Default: <device>.records
}

// WebConfig holds the status server configuration.
type WebConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	Username     string `yaml:"username,omitempty" json:"username,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"password_hash,omitempty"` // bcrypt; empty disables auth
}

// DefaultConfig returns a configuration with the logger's defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: "meter",
		Communication: CommunicationConfig{
			Transport:      modbus.ModeRTU,
			Port:           "/dev/ttyUSB0",
			ModbusID:       1,
			Baudrate:       9600,
			Parity:         "N",
			StopBits:       1,
			DataBits:       8,
			Timeout:        1000,
			AddressingMode: AddressingZeroBased,
			VTR:            1,
			CTR:            1,
		},
		Logging: LoggingConfig{
			IntervalMS:     1000,
			OutputFolder:   ".",
			FilenameFormat: "data_%Y%m%d.json",
			Enabled:        true,
			IncludeHeader:  true,
			Format:         FormatJSON,
			ErrorLog:       "error.log",
		},
		Registers: []RegisterConfig{},
		Web: WebConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// DefaultPath returns the default configuration file path (~/.fieldlog/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".fieldlog", "config.yaml")
}

// Load reads configuration from a YAML or JSON file. Keys missing from the
// file keep their defaults. A missing file yields the defaults, which are
// written back to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		// Hand-edited JSON is often tab-indented, which YAML rejects
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Interval returns the polling interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Logging.IntervalMS) * time.Millisecond
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	comm := c.Communication

	if c.Device == "" {
		return fmt.Errorf("%w: device name is required", ErrInvalid)
	}
	if !IsValidName(c.Device) {
		return fmt.Errorf("%w: device %q must contain only alphanumeric characters, hyphens, underscores and dots", ErrInvalid, c.Device)
	}

	switch strings.ToLower(comm.Transport) {
	case "", modbus.ModeRTU:
		if comm.Port == "" {
			return fmt.Errorf("%w: communication.port is required for rtu", ErrInvalid)
		}
		if comm.Baudrate <= 0 {
			return fmt.Errorf("%w: communication.baudrate must be positive", ErrInvalid)
		}
		switch strings.ToUpper(comm.Parity) {
		case "N", "E", "O":
		default:
			return fmt.Errorf("%w: communication.parity %q must be N, E or O", ErrInvalid, comm.Parity)
		}
		if comm.StopBits != 1 && comm.StopBits != 2 {
			return fmt.Errorf("%w: communication.stop_bits must be 1 or 2", ErrInvalid)
		}
		if comm.DataBits < 5 || comm.DataBits > 8 {
			return fmt.Errorf("%w: communication.data_bits must be between 5 and 8", ErrInvalid)
		}
	case modbus.ModeTCP:
		if comm.Address == "" {
			return fmt.Errorf("%w: communication.address is required for tcp", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: communication.transport %q must be rtu or tcp", ErrInvalid, comm.Transport)
	}

	if comm.ModbusID < 1 || comm.ModbusID > 247 {
		return fmt.Errorf("%w: communication.modbus_id %d out of range 1-247", ErrInvalid, comm.ModbusID)
	}
	if comm.Timeout <= 0 {
		return fmt.Errorf("%w: communication.timeout must be positive, got %d ms", ErrInvalid, comm.Timeout)
	}
	switch comm.AddressingMode {
	case "", AddressingZeroBased, AddressingOneBased:
	default:
		return fmt.Errorf("%w: communication.addressing_mode %q must be %q or %q", ErrInvalid, comm.AddressingMode, AddressingZeroBased, AddressingOneBased)
	}

	if c.Logging.IntervalMS <= 0 {
		return fmt.Errorf("%w: logging.interval_ms must be positive", ErrInvalid)
	}
	switch c.Logging.Format {
	case "", FormatJSON, FormatCSV:
	default:
		return fmt.Errorf("%w: logging.format %q must be json or csv", ErrInvalid, c.Logging.Format)
	}

	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	for _, m := range c.MQTT {
		if m.Enabled && m.Broker == "" {
			return fmt.Errorf("%w: mqtt %q has no broker", ErrInvalid, m.Name)
		}
	}
	for _, v := range c.Valkey {
		if v.Enabled && v.Address == "" {
			return fmt.Errorf("%w: valkey %q has no address", ErrInvalid, v.Name)
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("%w: kafka %q has no brokers", ErrInvalid, k.Name)
		}
	}
	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		return fmt.Errorf("%w: web.port %d out of range", ErrInvalid, c.Web.Port)
	}
	return nil
}

// Warnings lists problems that do not stop the logger but will produce NaN
// values, such as malformed scaling formulas.
func (c *Config) Warnings() []string {
	var out []string
	oneBased := c.Communication.AddressingMode == AddressingOneBased
	for _, r := range c.Registers {
		if oneBased && r.Register == 0 {
			out = append(out, fmt.Sprintf("register %q: address 0 is invalid with 1-based addressing", r.Key))
		}
		switch r.Access {
		case "", catalog.AccessReadOnly, catalog.AccessReadWrite:
		default:
			out = append(out, fmt.Sprintf("register %q: unknown access %q, registers are only read", r.Key, r.Access))
		}
		if err := scaling.Check(r.Scaling); err != nil {
			out = append(out, fmt.Sprintf("register %q: scaling %q: %v", r.Key, r.Scaling, err))
		}
	}
	return out
}

// IsValidName returns true if name is usable in topics and keys.
// Valid names contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// Settings returns the catalog-wide register settings.
func (c *Config) Settings() catalog.Settings {
	comm := c.Communication
	return catalog.Settings{
		OneBased:    comm.AddressingMode == AddressingOneBased,
		VTR:         comm.VTR,
		CTR:         comm.CTR,
		VTRRegister: comm.VTRRegister,
		CTRRegister: comm.CTRRegister,
	}
}

// Catalog builds the register catalog described by the file.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	defs := make([]catalog.RegisterDefinition, 0, len(c.Registers))
	for _, r := range c.Registers {
		length := uint16(1) // Firmware default when the key is absent
		if r.Length != nil {
			length = *r.Length
		}
		defs = append(defs, catalog.RegisterDefinition{
			Key:         r.Key,
			Name:        r.Name,
			Description: r.Description,
			Unit:        r.Unit,
			Address:     r.Register,
			DataType:    r.Type,
			Length:      length,
			Scaling:     r.Scaling,
			Access:      r.Access,
		})
	}
	return catalog.New(defs, c.Settings())
}

// Modbus returns the link settings for modbus.NewClient.
func (c *Config) Modbus() modbus.Config {
	comm := c.Communication
	return modbus.Config{
		Mode:     strings.ToLower(comm.Transport),
		Port:     comm.Port,
		Address:  comm.Address,
		SlaveID:  byte(comm.ModbusID),
		BaudRate: comm.Baudrate,
		DataBits: comm.DataBits,
		Parity:   strings.ToUpper(comm.Parity),
		StopBits: comm.StopBits,
		Timeout:  time.Duration(comm.Timeout) * time.Millisecond,
	}
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}
