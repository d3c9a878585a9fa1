// Package mqtt publishes measurement records to MQTT brokers.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"fieldlog/config"
	"fieldlog/logging"
	"fieldlog/measure"
	"fieldlog/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// Status payloads published (retained) on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// RecordMessage is the JSON structure published for every record.
type RecordMessage struct {
	Device string `json:"device"`
	measure.Record
}

// RegisterMessage is the JSON structure published per register.
type RegisterMessage struct {
	Device    string   `json:"device"`
	Key       string   `json:"key"`
	Value     *float32 `json:"value"` // null when the read failed
	Unit      string   `json:"unit"`
	Timestamp string   `json:"timestamp"`
}

// ErrorMessage is the JSON structure published for cycle failures.
type ErrorMessage struct {
	Device    string `json:"device"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Publisher handles MQTT connection and publishes records to a single broker.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	device  string
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Track last published register values to detect changes
	lastValues map[string]uint32
	lastMu     sync.Mutex
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, device string) *Publisher {
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(device, cfg.Selector),
		device:     device,
		lastValues: make(map[string]uint32),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// RecordsTopic returns the topic records are published on.
func (p *Publisher) RecordsTopic() string {
	return p.ns.MQTTRecordsTopic()
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	// Quick check if already running
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "fieldlog-" + p.device
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWill(p.ns.MQTTStatusTopic(), StatusOffline, 1, true)

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]uint32)
	p.lastMu.Unlock()

	client.Publish(p.ns.MQTTStatusTopic(), 1, true, StatusOnline).WaitTimeout(2 * time.Second)
	return nil
}

// Stop publishes the offline status and disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Publish(p.ns.MQTTStatusTopic(), 1, true, StatusOffline).WaitTimeout(time.Second)
	client.Disconnect(500)
}

// Publish sends the record (retained) and every register whose value changed.
// Returns false if the publisher is not connected or the record publish failed.
func (p *Publisher) Publish(rec measure.Record) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(RecordMessage{Device: p.device, Record: rec})
	if err != nil {
		logMQTT("marshal record %s: %v", rec.ID, err)
		return false
	}
	if !waitToken(client.Publish(p.ns.MQTTRecordsTopic(), 1, true, payload)) {
		logMQTT("publish record %s to %s failed", rec.ID, p.Name())
		return false
	}

	for _, e := range rec.Entries {
		if !p.changed(e.Key, e.Value) {
			continue
		}
		payload, err := json.Marshal(registerMessage(p.device, rec.Timestamp, e))
		if err != nil {
			continue
		}
		client.Publish(p.ns.MQTTRegisterTopic(e.Key), 1, true, payload)
	}
	return true
}

// PublishError sends a cycle failure message (not retained).
func (p *Publisher) PublishError(message string) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(ErrorMessage{
		Device:    p.device,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}
	return waitToken(client.Publish(p.ns.MQTTErrorsTopic(), 1, false, payload))
}

// changed records value for key and reports whether it differs from the
// last published value. NaN compares equal to NaN.
func (p *Publisher) changed(key string, value float32) bool {
	bits := math.Float32bits(value)
	if math.IsNaN(float64(value)) {
		bits = math.Float32bits(float32(math.NaN()))
	}

	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	last, exists := p.lastValues[key]
	if exists && last == bits {
		return false
	}
	p.lastValues[key] = bits
	return true
}

func registerMessage(device, timestamp string, e measure.Entry) RegisterMessage {
	msg := RegisterMessage{Device: device, Key: e.Key, Unit: e.Unit, Timestamp: timestamp}
	if !e.Failed() && !math.IsInf(float64(e.Value), 0) {
		v := e.Value
		msg.Value = &v
	}
	return msg
}

// waitToken waits briefly for a publish to complete.
func waitToken(token pahomqtt.Token) bool {
	// Use timeout to prevent blocking the cycle
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// Manager manages multiple MQTT publishers and acts as a record sink.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers[pub.Name()] = pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Persist publishes rec to all running publishers.
func (m *Manager) Persist(rec measure.Record) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(rec)
		}
	}
}

// LogFailure publishes a cycle failure to all running publishers.
func (m *Manager) LogFailure(message string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishError(message)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, device string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], device))
	}
}
