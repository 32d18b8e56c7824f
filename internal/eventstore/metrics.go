package eventstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricStoreRetries = "event_store_retries_total"
	MetricStoreErrors  = "event_store_errors_total"
)

// Metrics contains Prometheus metrics for event store calls.
// All operations are thread-safe.
type Metrics struct {
	retries *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricStoreRetries,
				Help: "Total number of retried event store calls by operation",
			},
			[]string{"operation"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricStoreErrors,
				Help: "Total number of failed event store calls by operation",
			},
			[]string{"operation"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRetries counts one retry of operation.
func (m *Metrics) IncRetries(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

// IncErrors counts one terminal failure of operation.
func (m *Metrics) IncErrors(operation string) {
	m.errors.WithLabelValues(operation).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.retries, m.errors}
}
