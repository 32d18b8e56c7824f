package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsRecorded = "analytics_events_recorded_total"
	MetricEventsFailed   = "analytics_events_failed_total"
)

// Failure reasons for labeling.
const (
	ReasonInvalid = "invalid"
	ReasonStore   = "store"
)

// Metrics contains Prometheus metrics for event recording.
// All operations are thread-safe.
type Metrics struct {
	recorded *prometheus.CounterVec
	failed   *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		recorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsRecorded,
				Help: "Total number of events written to the event store by stream",
			},
			[]string{"stream"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsFailed,
				Help: "Total number of events that could not be recorded by stream and reason",
			},
			[]string{"stream", "reason"},
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

// IncRecorded counts one stored event.
func (m *Metrics) IncRecorded(stream string) {
	m.recorded.WithLabelValues(stream).Inc()
}

// IncFailed counts one dropped event.
func (m *Metrics) IncFailed(stream, reason string) {
	m.failed.WithLabelValues(stream, reason).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.recorded, m.failed}
}
