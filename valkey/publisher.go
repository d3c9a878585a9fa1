// Package valkey provides Valkey/Redis publishing functionality for measurement records.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldlog/config"
	"fieldlog/logging"
	"fieldlog/measure"
	"fieldlog/namespace"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// RecordMessage is the record stored under the latest key and published on
// the records channel.
type RecordMessage struct {
	Device string `json:"device"`
	measure.Record
}

// ValueMessage is stored under each register's key.
type ValueMessage struct {
	Device    string   `json:"device"`
	Key       string   `json:"key"`
	Value     *float32 `json:"value"`
	Unit      string   `json:"unit"`
	Timestamp string   `json:"timestamp"`
}

// ErrorMessage is published on the errors channel for cycle failures.
type ErrorMessage struct {
	Device    string    `json:"device"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing records to a Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	device  string
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, device string) *Publisher {
	return &Publisher{
		config: cfg,
		ns:     namespace.New(device, cfg.Selector),
		device: device,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	// Check if already running (quick check with lock)
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Publish stores rec under the latest key, stores every register value under
// its own key, and publishes rec on the records channel when enabled.
func (p *Publisher) Publish(rec measure.Record) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(RecordMessage{Device: p.device, Record: rec})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// Use a short timeout to prevent blocking the cycle
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.ns.ValkeyLatestKey(), data, cfg.KeyTTL)
		for _, e := range rec.Entries {
			value, err := json.Marshal(valueMessage(p.device, rec.Timestamp, e))
			if err != nil {
				return err
			}
			pipe.Set(ctx, p.ns.ValkeyRegisterKey(e.Key), value, cfg.KeyTTL)
		}
		if cfg.PublishChanges {
			pipe.Publish(ctx, p.ns.ValkeyRecordsChannel(), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// PublishError publishes a cycle failure on the errors channel.
func (p *Publisher) PublishError(message string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	p.mu.RUnlock()

	data, err := json.Marshal(ErrorMessage{Device: p.device, Message: message, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Publish(ctx, p.ns.ValkeyErrorsChannel(), data).Err()
}

func valueMessage(device, timestamp string, e measure.Entry) ValueMessage {
	msg := ValueMessage{Device: device, Key: e.Key, Unit: e.Unit, Timestamp: timestamp}
	if !e.Failed() && !math.IsInf(float64(e.Value), 0) {
		v := e.Value
		msg.Value = &v
	}
	return msg
}
