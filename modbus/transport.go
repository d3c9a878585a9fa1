// Package modbus reads holding registers from the metering device and
// classifies transport failures.
package modbus

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"go.bug.st/serial"

	"fieldlog/logging"
)

// Transport performs raw holding-register reads. Calls are blocking; the
// implementation owns its own timeout.
type Transport interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
}

// Transport modes.
const (
	ModeRTU = "rtu"
	ModeTCP = "tcp"
)

// Config holds serial or TCP link settings for a Client.
type Config struct {
	Mode     string        // "rtu" (default) or "tcp"
	Port     string        // Serial device for RTU, e.g. /dev/ttyUSB0
	Address  string        // host:port for TCP
	SlaveID  byte          // Modbus unit identifier
	BaudRate int           // RTU only
	DataBits int           // RTU only
	Parity   string        // "N", "E" or "O"; RTU only
	StopBits int           // RTU only
	Timeout  time.Duration // Per-request timeout
}

// DefaultConfig returns the firmware's serial defaults (9600 8N1, unit 1).
func DefaultConfig() Config {
	return Config{
		Mode:     ModeRTU,
		SlaveID:  1,
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  time.Second,
	}
}

// Target returns the serial device or TCP address of the link.
func (c Config) Target() string {
	if c.Mode == ModeTCP {
		return c.Address
	}
	return c.Port
}

// handler is the part of the goburrow client handlers the Client needs.
type handler interface {
	gomodbus.ClientHandler
	Connect() error
	Close() error
}

// Client is a Transport backed by a goburrow Modbus RTU or TCP master.
type Client struct {
	config  Config
	handler handler
	client  gomodbus.Client
	mu      sync.Mutex
}

// NewClient builds a client for cfg. The link is opened lazily on the first
// read, or explicitly with Connect.
func NewClient(cfg Config) (*Client, error) {
	var h handler

	// goburrow treats a zero timeout as no deadline at all
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	switch strings.ToLower(cfg.Mode) {
	case "", ModeRTU:
		if cfg.Port == "" {
			return nil, fmt.Errorf("modbus: serial port is required for rtu mode")
		}
		rtu := gomodbus.NewRTUClientHandler(cfg.Port)
		rtu.BaudRate = cfg.BaudRate
		rtu.DataBits = cfg.DataBits
		rtu.Parity = strings.ToUpper(cfg.Parity)
		rtu.StopBits = cfg.StopBits
		rtu.SlaveId = cfg.SlaveID
		rtu.Timeout = cfg.Timeout
		rtu.Logger = log.New(logging.Writer("modbus/rtu"), "", 0)
		h = rtu
	case ModeTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("modbus: address is required for tcp mode")
		}
		tcp := gomodbus.NewTCPClientHandler(cfg.Address)
		tcp.SlaveId = cfg.SlaveID
		tcp.Timeout = cfg.Timeout
		tcp.Logger = log.New(logging.Writer("modbus/tcp"), "", 0)
		h = tcp
	default:
		return nil, fmt.Errorf("modbus: unknown transport mode %q", cfg.Mode)
	}

	return &Client{
		config:  cfg,
		handler: h,
		client:  gomodbus.NewClient(h),
	}, nil
}

// Connect opens the serial port or TCP connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logging.DebugConnect("modbus", c.config.Target())
	if err := c.handler.Connect(); err != nil {
		logging.DebugConnectError("modbus", c.config.Target(), err)
		return fmt.Errorf("modbus: connect %s: %w", c.config.Target(), err)
	}
	logging.DebugConnectSuccess("modbus", c.config.Target(), fmt.Sprintf("unit %d", c.config.SlaveID))
	return nil
}

// Close releases the link.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logging.DebugDisconnect("modbus", c.config.Target(), "closed")
	return c.handler.Close()
}

// ReadHoldingRegisters reads quantity words starting at the physical address.
func (c *Client) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, wrap(address, err)
	}
	return decodeWords(address, data, quantity)
}

// decodeWords converts a big-endian register payload read from address
// into words.
func decodeWords(address uint16, data []byte, quantity uint16) ([]uint16, error) {
	if len(data) != int(quantity)*2 {
		return nil, &TransportError{
			Kind:    KindBadResponseLength,
			Address: address,
			Err:     fmt.Errorf("got %d bytes for %d registers", len(data), quantity),
		}
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
