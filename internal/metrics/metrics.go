// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "multiproxy"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection lifecycle
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec

	// Data transfer
	BytesTotal *prometheus.CounterVec

	// Dial / resolve
	DialRetriesTotal     prometheus.Counter
	DialFailuresTotal    prometheus.Counter
	ResolveFailuresTotal prometheus.Counter
	DialLatency          prometheus.Histogram

	// UDP associations
	UDPAssociationsActive prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a new Metrics instance registered against the default
// Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry,
// for use in tests that want an isolated registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently being handled",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections by recognized protocol",
		}, []string{"protocol"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total connections terminated with an error, by reason",
		}, []string{"reason"}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes relayed, by direction and routing group",
		}, []string{"direction", "group"}),
		DialRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Total dial candidates that failed and were retried",
		}),
		DialFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total dial attempts that exhausted every candidate",
		}),
		ResolveFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_failures_total",
			Help:      "Total destination name resolutions that failed",
		}),
		DialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Histogram of time to establish an outbound connection",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active SOCKS5 UDP associations",
		}),
	}
}

// RecordAccept records a newly recognized connection.
func (m *Metrics) RecordAccept(protocol string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// RecordClose records a connection leaving the active set.
func (m *Metrics) RecordClose() {
	m.ConnectionsActive.Dec()
}

// RecordError records a connection terminating with an error.
func (m *Metrics) RecordError(reason string) {
	m.ConnectionErrors.WithLabelValues(reason).Inc()
}

// RecordBytes records bytes relayed in one direction for one routing group.
func (m *Metrics) RecordBytes(direction, group string, n int) {
	m.BytesTotal.WithLabelValues(direction, group).Add(float64(n))
}

// RecordDialRetry records a single failed dial candidate.
func (m *Metrics) RecordDialRetry() {
	m.DialRetriesTotal.Inc()
}

// RecordDialFailure records a dial that exhausted every candidate.
func (m *Metrics) RecordDialFailure() {
	m.DialFailuresTotal.Inc()
}

// RecordResolveFailure records a failed name resolution.
func (m *Metrics) RecordResolveFailure() {
	m.ResolveFailuresTotal.Inc()
}

// RecordDialLatency records the time taken to establish an outbound connection.
func (m *Metrics) RecordDialLatency(seconds float64) {
	m.DialLatency.Observe(seconds)
}

// RecordUDPAssociationOpen records a new UDP association.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
}

// RecordUDPAssociationClose records a UDP association ending.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}
