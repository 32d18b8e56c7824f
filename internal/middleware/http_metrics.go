package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// unmatchedPath is the label used for requests that hit no known route.
const unmatchedPath = "/{unmatched}"

var staticRoutes = map[string]bool{
	"/":                  true,
	"/events":            true,
	"/events/behavior":   true,
	"/analytics/summary": true,
	"/experiments":       true,
	"/cohorts":           true,
	"/health":            true,
	"/ready":             true,
	"/metrics":           true,
}

var experimentActions = map[string]bool{
	"activate":    true,
	"complete":    true,
	"assignment":  true,
	"impressions": true,
	"conversions": true,
	"results":     true,
}

var cohortActions = map[string]bool{
	"materialize": true,
	"analyze":     true,
	"refresh":     true,
}

// normalizePath maps request paths to route patterns so experiment and cohort
// ids do not explode label cardinality: /experiments/abc/results becomes
// /experiments/{id}/results. Unknown paths collapse to a single label.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		return unmatchedPath
	}

	var actions map[string]bool
	switch parts[0] {
	case "experiments":
		actions = experimentActions
	case "cohorts":
		actions = cohortActions
	default:
		return unmatchedPath
	}

	switch {
	case len(parts) == 2:
		return "/" + parts[0] + "/{id}"
	case len(parts) == 3 && actions[parts[2]]:
		return "/" + parts[0] + "/{id}/" + parts[2]
	}
	return unmatchedPath
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health checks and the metrics scrape itself are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				mrw.size,
			)
		})
	}
}
