package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"fieldlog/logging"
)

// ErrNotConnected is returned when producing on a producer that has not
// completed Connect.
var ErrNotConnected = errors.New("kafka cluster not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer writes messages to one Kafka cluster, one writer per topic.
type Producer struct {
	config  *Config
	writers map[string]*kafka.Writer // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(config *Config) *Producer {
	return &Producer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies a broker is reachable and marks the producer connected.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	logging.DebugConnect("kafka", fmt.Sprintf("%s %v", name, brokers))

	if len(brokers) == 0 {
		err := fmt.Errorf("no brokers configured")
		p.setError(err)
		logging.DebugConnectError("kafka", name, err)
		return err
	}

	dialer := p.createDialer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		err = fmt.Errorf("failed to connect: %w", err)
		p.setError(err)
		logging.DebugConnectError("kafka", name, err)
		return err
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnectSuccess("kafka", name, "")
	return nil
}

func (p *Producer) setError(err error) {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.config.Name
	logging.DebugLog("kafka", "DISCONNECT %s: closing %d topic writers", name, len(p.writers))

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", name, "")
}

// Produce sends a message to topic and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()

	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' completed in %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	return nil
}

// ProduceWithRetry sends a message, retrying with linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte, maxRetries int, backoff time.Duration) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		err := p.Produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%s: %w", p.config.Name, ErrNotConnected)
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{}, // Same record key, same partition
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s'", p.config.Name, topic)
	return writer, nil
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if p.config.UseTLS {
		dialer.TLS = p.config.GetTLSConfig()
	}

	if mechanism := p.getSASLMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}

	return dialer
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
	}

	if p.config.UseTLS {
		transport.TLS = p.config.GetTLSConfig()
	}

	if mechanism := p.getSASLMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}

	return transport
}

// getSASLMechanism returns the configured SASL mechanism.
func (p *Producer) getSASLMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}

	switch p.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: p.config.Username,
			Password: p.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return mechanism
	default:
		return nil
	}
}
