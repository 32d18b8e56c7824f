package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/onnwee/insights/internal/middleware"
)

// RouterConfig wires the handlers and the per-route middleware.
type RouterConfig struct {
	Recorder    EventRecorder
	Aggregator  SummaryAggregator
	Experiments ExperimentService
	Cohorts     CohortService
	Health      *HealthHandlers

	// Validator checks admin bearer tokens on every non-recording route.
	Validator middleware.TokenValidator
	Metrics   *middleware.Metrics

	// RateLimitStore enables rate limiting on the recording routes when set.
	RateLimitStore middleware.RateLimitStore
	RateLimit      middleware.RateLimitConfig
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
	CORS           middleware.CORSConfig

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// QueryTimeout bounds every engine call made by a request. Zero disables it.
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

// NewRouter builds the route table. Recording routes are public; everything
// else except the probes requires an admin token.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	public := []func(http.Handler) http.Handler{middleware.CORS(cfg.CORS)}
	if cfg.RateLimitStore != nil {
		limit := cfg.RateLimit
		if limit.Validate() != nil {
			limit = middleware.DefaultRecordLimit()
		}
		public = append(public, middleware.RateLimiter(cfg.RateLimitStore, limit, middleware.IPKeyFunc(cfg.TrustedProxies), cfg.Metrics, cfg.Logger))
	}
	public = append(public, queryTimeout(cfg.QueryTimeout))

	admin := []func(http.Handler) http.Handler{
		middleware.RequireAdmin(cfg.Validator, cfg.Metrics),
		queryTimeout(cfg.QueryTimeout),
	}

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc, mws []func(http.Handler) http.Handler) {
		mux.Handle(pattern, chain(h, mws))
	}

	events := NewEventHandlers(cfg.Recorder)
	handle("POST /events", events.RecordEvent, public)
	handle("POST /events/behavior", events.RecordBehavior, public)
	handle("OPTIONS /events", noContent, public)
	handle("OPTIONS /events/behavior", noContent, public)

	summary := NewSummaryHandlers(cfg.Aggregator)
	handle("GET /analytics/summary", summary.Summary, admin)

	exps := NewExperimentHandlers(cfg.Experiments)
	handle("POST /experiments", exps.Create, admin)
	handle("GET /experiments", exps.List, admin)
	handle("GET /experiments/{id}", exps.Get, admin)
	handle("POST /experiments/{id}/activate", exps.Activate, admin)
	handle("POST /experiments/{id}/complete", exps.Complete, admin)
	handle("GET /experiments/{id}/assignment", exps.Assignment, admin)
	handle("POST /experiments/{id}/impressions", exps.Impression, admin)
	handle("POST /experiments/{id}/conversions", exps.Conversion, admin)
	handle("GET /experiments/{id}/results", exps.Results, admin)

	cohorts := NewCohortHandlers(cfg.Cohorts)
	handle("POST /cohorts", cohorts.Create, admin)
	handle("GET /cohorts", cohorts.List, admin)
	handle("GET /cohorts/{id}", cohorts.Get, admin)
	handle("POST /cohorts/{id}/materialize", cohorts.Materialize, admin)
	handle("POST /cohorts/{id}/analyze", cohorts.Analyze, admin)
	handle("POST /cohorts/{id}/refresh", cohorts.Refresh, admin)

	healthHandlers := cfg.Health
	if healthHandlers == nil {
		healthHandlers = NewHealthHandlers(nil)
	}
	mux.HandleFunc("GET /health", healthHandlers.Health)
	mux.HandleFunc("GET /ready", healthHandlers.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	return mux
}

// chain applies mws so that the first one is outermost.
func chain(h http.Handler, mws []func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func queryTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
