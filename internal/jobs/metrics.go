// Package jobs provides metrics for on-demand analysis runs: aggregation,
// experiment results and cohort materialization/analysis.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAnalysisRunsTotal      = "analysis_runs_total"
	MetricAnalysisRunDuration    = "analysis_run_duration_seconds"
	MetricAnalysisRunErrorsTotal = "analysis_run_errors_total"
)

// Run kind constants for labeling.
const (
	KindAggregate         = "aggregate"
	KindExperimentResults = "experiment_results"
	KindCohortMaterialize = "cohort_materialize"
	KindCohortAnalyze     = "cohort_analyze"
)

// Status constants for run completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics contains Prometheus metrics for analysis runs.
// All operations are thread-safe.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runErrors   *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAnalysisRunsTotal,
				Help: "Total number of analysis runs by kind and status",
			},
			[]string{"kind", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricAnalysisRunDuration,
				Help:    "Histogram of analysis run duration in seconds by kind",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"kind"},
		),
		runErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAnalysisRunErrorsTotal,
				Help: "Total number of analysis run errors by kind and error type",
			},
			[]string{"kind", "error_type"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRunsTotal increments the runs counter.
func (m *Metrics) IncRunsTotal(kind, status string) {
	m.runsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRunDuration records a run duration sample in seconds.
func (m *Metrics) ObserveRunDuration(kind string, seconds float64) {
	m.runDuration.WithLabelValues(kind).Observe(seconds)
}

// IncRunErrors increments the run errors counter.
func (m *Metrics) IncRunErrors(kind, errorType string) {
	m.runErrors.WithLabelValues(kind, errorType).Inc()
}

// Observe records a finished run: one count, one duration sample and, on
// failure, one classified error. Safe to call on a nil *Metrics.
func (m *Metrics) Observe(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.ObserveRunDuration(kind, time.Since(started).Seconds())
	if err == nil {
		m.IncRunsTotal(kind, StatusSuccess)
		return
	}
	m.IncRunsTotal(kind, StatusFailure)
	m.IncRunErrors(kind, ErrorType(err))
}

// ErrorType maps an engine error to a low-cardinality label value.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, analytics.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, analytics.ErrNotFound):
		return "not_found"
	case errors.Is(err, analytics.ErrConflict):
		return "conflict"
	case errors.Is(err, analytics.ErrInvalidRange), errors.Is(err, analytics.ErrInvalidDefinition):
		return "validation_error"
	default:
		return "internal"
	}
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.runErrors,
	}
}
