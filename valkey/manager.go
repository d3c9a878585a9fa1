package valkey

import (
	"sync"

	"fieldlog/config"
	"fieldlog/measure"
)

// Manager manages multiple Valkey publishers and acts as a record sink.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, device string) {
	for i := range configs {
		m.Add(&configs[i], device)
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, device string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, device)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var removed *Publisher
	for i, pub := range m.publishers {
		if pub.Name() == name {
			removed = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.Stop()
	return true
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.Name() == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start %s: %v", pub.Name(), err)
				continue
			}
			started++
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

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Persist stores rec on all running publishers.
func (m *Manager) Persist(rec measure.Record) {
	for _, pub := range m.List() {
		if err := pub.Publish(rec); err != nil {
			debugLog("%s: %v", pub.Name(), err)
		}
	}
}

// LogFailure publishes a cycle failure on all running publishers.
func (m *Manager) LogFailure(message string) {
	for _, pub := range m.List() {
		if err := pub.PublishError(message); err != nil {
			debugLog("%s: %v", pub.Name(), err)
		}
	}
}
