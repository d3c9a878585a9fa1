package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fieldlog/logging"
	"fieldlog/measure"
	"fieldlog/namespace"
)

// RecordMessage is the JSON value produced for every record. The Kafka key
// is the record ID.
type RecordMessage struct {
	Device string `json:"device"`
	measure.Record
}

// ErrorMessage is the JSON value produced on the errors topic.
type ErrorMessage struct {
	Device    string `json:"device"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager owns the configured clusters and acts as a record sink. Produces
// are queued to a bounded worker pool so a slow broker never stalls a cycle.
type Manager struct {
	device    string
	ns        *namespace.Builder
	producers map[string]*Producer
	mu        sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
	dropped      int64
}

// NewManager creates a manager producing on behalf of device.
func NewManager(device string) *Manager {
	m := &Manager{
		device:       device,
		ns:           namespace.New(device, ""),
		producers:    make(map[string]*Producer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop := m.stopChan
	queue := m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			cfg := job.producer.config
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload, cfg.MaxRetries, cfg.RetryBackoff); err != nil {
				logKafka("Failed to publish to %s/%s: %v", cfg.Name, job.topic, err)
			}
			cancel()
		}
	}
}

// AddCluster adds a cluster. A cluster with the same name is left in place.
func (m *Manager) AddCluster(config *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[config.Name]; exists {
		return
	}
	m.producers[config.Name] = NewProducer(config)
}

// RemoveCluster removes a cluster and disconnects it.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
	}
	m.mu.Unlock()

	if exists && producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

// LoadFromConfigs loads multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// ConnectEnabled connects all enabled clusters in the background.
func (m *Manager) ConnectEnabled() {
	m.startWorkers()

	for _, p := range m.snapshot() {
		if p.config.Enabled {
			go p.Connect()
		}
	}
}

// AnyConnected reports whether at least one cluster is connected.
func (m *Manager) AnyConnected() bool {
	for _, p := range m.snapshot() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// Dropped returns the number of messages discarded because the queue was full.
func (m *Manager) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.started {
		close(m.stopChan)
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("Timeout waiting for publish workers to stop")
	}

	for _, p := range m.snapshot() {
		p.Disconnect()
	}
}

// Persist queues rec for every connected cluster.
func (m *Manager) Persist(rec measure.Record) {
	payload, err := json.Marshal(RecordMessage{Device: m.device, Record: rec})
	if err != nil {
		logKafka("marshal record %s: %v", rec.ID, err)
		return
	}
	for _, p := range m.snapshot() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    m.recordsTopic(p),
			key:      []byte(rec.ID),
			payload:  payload,
		})
	}
}

// LogFailure queues a failure event for every connected cluster.
func (m *Manager) LogFailure(message string) {
	payload, err := json.Marshal(ErrorMessage{
		Device:    m.device,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	for _, p := range m.snapshot() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    m.ns.KafkaErrorsTopic(),
			key:      []byte(m.device),
			payload:  payload,
		})
	}
}

func (m *Manager) recordsTopic(p *Producer) string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	return m.ns.KafkaRecordsTopic()
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.Lock()
	queue := m.publishQueue
	m.mu.Unlock()

	select {
	case queue <- job:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		logKafka("Publish queue full, dropping message for %s/%s", job.producer.config.Name, job.topic)
	}
}

func (m *Manager) snapshot() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}
