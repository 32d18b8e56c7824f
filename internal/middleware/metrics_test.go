package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	m.IncRateLimitRequests("/events")
	m.IncRateLimitBlocked("/events")
	m.IncRateLimitStoreErrors()
	m.IncAuthFailures("missing")
	m.ObserveHTTPRequest("GET", "/cohorts", "200", 0.01, 10)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		MetricRateLimitRequests,
		MetricRateLimitBlocked,
		MetricRateLimitStoreErrors,
		MetricAuthFailures,
		MetricHTTPRequestDuration,
		MetricHTTPRequestsTotal,
		MetricHTTPResponseSizeBytes,
	} {
		if !found[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}

	if err := m.Register(reg); err == nil {
		t.Error("second Register() should fail with duplicate collectors")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.IncRateLimitRequests("/events")
	m.IncRateLimitRequests("/events")
	m.IncRateLimitBlocked("/events")
	m.IncAuthFailures("expired")

	if got := testutil.ToFloat64(m.rateLimitRequests.WithLabelValues("/events")); got != 2 {
		t.Errorf("rate limit requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimitBlocked.WithLabelValues("/events")); got != 1 {
		t.Errorf("rate limit blocked = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.authFailures.WithLabelValues("expired")); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncRateLimitRequests("/events")
	m.IncRateLimitBlocked("/events")
	m.IncRateLimitStoreErrors()
	m.IncAuthFailures("invalid")
	m.ObserveHTTPRequest("GET", "/", "200", 0, 0)
}
