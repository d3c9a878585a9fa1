// Package metrics exports acquisition statistics in the Prometheus format.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldlog/catalog"
	"fieldlog/cycle"
	"fieldlog/modbus"
	"fieldlog/scaling"
)

// Labels of cycles_total.
const (
	ResultPersisted = "persisted"
	ResultFailed    = "failed"
)

// KindScaling labels register failures caused by the scaling formula rather
// than the transport.
const KindScaling = "Scaling"

// Option configures a Collector.
type Option func(*Collector)

// WithNamespace sets the metric namespace (default "fieldlog").
func WithNamespace(namespace string) Option {
	return func(c *Collector) {
		if namespace != "" {
			c.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets the cycle duration buckets in seconds.
func WithHistogramBuckets(buckets []float64) Option {
	return func(c *Collector) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// WithConstLabels attaches labels (e.g. device) to every metric.
func WithConstLabels(labels map[string]string) Option {
	return func(c *Collector) {
		c.constLabels = labels
	}
}

// Collector records cycle and register outcomes on its own registry. It
// implements cycle.Observer and acquire.Observer.
type Collector struct {
	namespace   string
	buckets     []float64
	constLabels prometheus.Labels
	registry    *prometheus.Registry

	cycles           *prometheus.CounterVec
	registerFailures *prometheus.CounterVec
	duration         prometheus.Histogram
	registers        prometheus.Gauge
	failedEntries    prometheus.Gauge
}

// New creates a collector with a private registry.
func New(opts ...Option) *Collector {
	c := &Collector{
		namespace: "fieldlog",
		buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	auto := promauto.With(c.registry)

	c.cycles = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.namespace,
		Name:        "cycles_total",
		Help:        "Acquisition cycles by outcome",
		ConstLabels: c.constLabels,
	}, []string{"result"})

	c.registerFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.namespace,
		Name:        "register_failures_total",
		Help:        "Register reads or evaluations that produced no value",
		ConstLabels: c.constLabels,
	}, []string{"key", "kind"})

	c.duration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   c.namespace,
		Name:        "cycle_duration_seconds",
		Help:        "Time spent acquiring one record",
		Buckets:     c.buckets,
		ConstLabels: c.constLabels,
	})

	c.registers = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.namespace,
		Name:        "registers",
		Help:        "Registers in the catalog used by the last cycle",
		ConstLabels: c.constLabels,
	})

	c.failedEntries = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.namespace,
		Name:        "last_cycle_failed_registers",
		Help:        "Entries holding no value in the last cycle",
		ConstLabels: c.constLabels,
	})

	return c
}

// CycleDone implements cycle.Observer.
func (c *Collector) CycleDone(res cycle.Result) {
	result := ResultPersisted
	if !res.Persisted {
		result = ResultFailed
	}
	c.cycles.WithLabelValues(result).Inc()
	c.duration.Observe(res.Duration.Seconds())
	c.registers.Set(float64(res.Registers))
	c.failedEntries.Set(float64(res.Failed))
}

// RegisterFailed implements acquire.Observer.
func (c *Collector) RegisterFailed(def catalog.RegisterDefinition, err error) {
	c.registerFailures.WithLabelValues(def.Key, FailureKind(err)).Inc()
}

// FailureKind names the cause of a register failure.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, scaling.ErrEmpty),
		errors.Is(err, scaling.ErrMalformed),
		errors.Is(err, scaling.ErrDivisionByZero):
		return KindScaling
	default:
		return modbus.KindOf(err).String()
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
