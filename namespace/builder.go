// Package namespace provides utilities for constructing topic and key paths
// with consistent device prefixing across all services (MQTT, Valkey, Kafka).
package namespace

// Builder constructs device-prefixed topics and keys.
type Builder struct {
	device   string
	selector string
}

// New creates a new namespace builder.
func New(device, selector string) *Builder {
	return &Builder{
		device:   device,
		selector: selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTRecordsTopic returns the topic for measurement records: {dev}[/{sel}]/records
func (b *Builder) MQTTRecordsTopic() string {
	return b.mqttBase() + "/records"
}

// MQTTRegisterTopic returns the topic for a single register value: {dev}[/{sel}]/values/{key}
func (b *Builder) MQTTRegisterTopic(key string) string {
	return b.mqttBase() + "/values/" + key
}

// MQTTErrorsTopic returns the topic for cycle failures: {dev}[/{sel}]/errors
func (b *Builder) MQTTErrorsTopic() string {
	return b.mqttBase() + "/errors"
}

// MQTTStatusTopic returns the topic for the online/offline status: {dev}[/{sel}]/status
func (b *Builder) MQTTStatusTopic() string {
	return b.mqttBase() + "/status"
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.device + "/" + b.selector
	}
	return b.device
}

// --- Valkey (delimiter: :) ---

// ValkeyLatestKey returns the key holding the last record: {dev}[:{sel}]:latest
func (b *Builder) ValkeyLatestKey() string {
	return b.valkeyBase() + ":latest"
}

// ValkeyRegisterKey returns the key for a single register value: {dev}[:{sel}]:values:{key}
func (b *Builder) ValkeyRegisterKey(key string) string {
	return b.valkeyBase() + ":values:" + key
}

// ValkeyRecordsChannel returns the Pub/Sub channel for records: {dev}[:{sel}]:records
func (b *Builder) ValkeyRecordsChannel() string {
	return b.valkeyBase() + ":records"
}

// ValkeyErrorsChannel returns the Pub/Sub channel for cycle failures: {dev}[:{sel}]:errors
func (b *Builder) ValkeyErrorsChannel() string {
	return b.valkeyBase() + ":errors"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.device + ":" + b.selector
	}
	return b.device
}

// --- Kafka (delimiter: - for selector, . for stream) ---

// KafkaRecordsTopic returns the topic for records: {dev}[-{sel}].records
func (b *Builder) KafkaRecordsTopic() string {
	return b.kafkaBase() + ".records"
}

// KafkaErrorsTopic returns the topic for cycle failures: {dev}[-{sel}].errors
func (b *Builder) KafkaErrorsTopic() string {
	return b.kafkaBase() + ".errors"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.device + "-" + b.selector
	}
	return b.device
}
