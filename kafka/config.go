// Package kafka produces acquisition records and failure events to Kafka.
package kafka

import (
	"crypto/tls"
	"time"

	"fieldlog/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks int // -1=all, 0=none, 1=leader only
	MaxRetries   int
	RetryBackoff time.Duration

	Topic string // Records topic; empty selects <device>.records
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // All replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// FromConfig converts a file configuration entry, filling unset producer
// settings from DefaultConfig.
func FromConfig(kc config.KafkaConfig) Config {
	c := DefaultConfig(kc.Name)
	c.Enabled = kc.Enabled
	if len(kc.Brokers) > 0 {
		c.Brokers = kc.Brokers
	}
	c.UseTLS = kc.UseTLS
	c.TLSSkipVerify = kc.TLSSkipVerify
	c.SASLMechanism = SASLMechanism(kc.SASLMechanism)
	c.Username = kc.Username
	c.Password = kc.Password
	if kc.RequiredAcks != 0 {
		c.RequiredAcks = kc.RequiredAcks
	}
	if kc.MaxRetries > 0 {
		c.MaxRetries = kc.MaxRetries
	}
	if kc.RetryBackoff > 0 {
		c.RetryBackoff = kc.RetryBackoff
	}
	c.Topic = kc.Topic
	return c
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
