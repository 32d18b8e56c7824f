// Package main is the entry point for the insights API server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/insights/internal/aggregate"
	"github.com/onnwee/insights/internal/api"
	"github.com/onnwee/insights/internal/app"
	"github.com/onnwee/insights/internal/auth"
	"github.com/onnwee/insights/internal/cohort"
	"github.com/onnwee/insights/internal/config"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/experiment"
	"github.com/onnwee/insights/internal/jobs"
	"github.com/onnwee/insights/internal/middleware"
	"github.com/onnwee/insights/internal/recorder"
	"github.com/onnwee/insights/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Insights API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	env := config.DefaultEnv
	if cfg != nil {
		env = cfg.Env
	}
	logger := middleware.NewLogger(env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	summary := cfg.LogSummary()
	attrs := make([]any, 0, len(summary)*2)
	for k, v := range summary {
		attrs = append(attrs, k, v)
	}
	logger.Info("configuration loaded", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  app.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.IsDevelopment(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.QueryTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "store_backend", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// server is the fully wired HTTP handler and the resources it holds.
type server struct {
	handler  http.Handler
	registry *prometheus.Registry
	backend  *app.Backend
	cancel   context.CancelFunc
}

func (s *server) close() {
	s.cancel()
	if err := s.backend.Close(); err != nil {
		slog.Error("failed to close event store", "error", err)
	}
}

type registerer interface {
	Register(reg prometheus.Registerer) error
}

// newServer opens the backend, builds the engines and registers every metric.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storeMetrics := eventstore.NewMetrics()
	recorderMetrics := recorder.NewMetrics()
	jobsMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, m := range []registerer{storeMetrics, recorderMetrics, jobsMetrics, httpMetrics} {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	backend, err := app.OpenBackend(ctx, cfg, logger, storeMetrics)
	if err != nil {
		return nil, err
	}

	secret := cfg.JWTSecret
	if secret == "" {
		// Only reachable in development: admin routes reject every token.
		secret = randomSecret()
		logger.Warn("JWT_SECRET not set, admin endpoints are unusable")
	}
	jwtService := auth.NewJWTServiceWithRotation(secret, cfg.JWTSecretPrevious)

	var limiter middleware.RateLimitStore
	if cfg.RecordRateLimit > 0 {
		limiter = backend.Limiter
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	router := api.NewRouter(api.RouterConfig{
		Recorder: recorder.New(backend.Store, recorder.Config{
			ClockSkewTolerance: cfg.ClockSkewTolerance,
			Logger:             logger,
			Metrics:            recorderMetrics,
		}),
		Aggregator: aggregate.New(backend.Store, logger, jobsMetrics),
		Experiments: experiment.New(backend.Store, experiment.Config{
			Logger:  logger,
			Metrics: jobsMetrics,
		}),
		Cohorts: cohort.New(backend.Store, cohort.Config{
			Logger:  logger,
			Metrics: jobsMetrics,
		}),
		Health:         api.NewHealthHandlers(backend.Checks),
		Validator:      jwtService,
		Metrics:        httpMetrics,
		RateLimitStore: limiter,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RecordRateLimit,
			WindowDuration:    time.Minute,
		},
		TrustedProxies: proxies,
		CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 600},
		MetricsHandler: middleware.InternalToken(cfg.MetricsToken)(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		QueryTimeout:   cfg.QueryTimeout,
		Logger:         logger,
	})

	// Apply middleware: RequestID -> Tracing -> Logging -> HTTPMetrics
	handler := middleware.RequestID(
		middleware.Tracing(app.ServiceName)(
			middleware.Logging(logger)(
				middleware.HTTPMetrics(httpMetrics)(router))))

	bgCtx, cancel := context.WithCancel(context.Background())
	if mem, ok := limiter.(*middleware.InMemoryRateLimitStore); ok {
		go cleanupLoop(bgCtx, mem, time.Minute)
	}

	return &server{handler: handler, registry: reg, backend: backend, cancel: cancel}, nil
}

// cleanupLoop drops expired rate limit buckets until ctx is cancelled.
func cleanupLoop(ctx context.Context, store *middleware.InMemoryRateLimitStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Cleanup()
		}
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
