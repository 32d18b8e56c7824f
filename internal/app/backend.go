// Package app opens the configured event store backend together with its
// readiness checks and rate limit store. It is shared by the API server and
// the batch commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/insights/internal/config"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/health"
	"github.com/onnwee/insights/internal/middleware"
	"github.com/redis/go-redis/v9"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "insights"

// Backend is an opened event store with its supporting pieces.
type Backend struct {
	// Store retries transient failures of the underlying backend.
	Store eventstore.Store
	// Checks are run by the readiness probe.
	Checks map[string]health.Checker
	// Limiter backs the recording rate limit. Redis deployments share it
	// across replicas; other backends count per process.
	Limiter middleware.RateLimitStore

	closers []func() error
}

// OpenBackend connects to the backend named by cfg.StoreBackend. The postgres
// backend runs its migration; the redis backend is pinged once.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *eventstore.Metrics) (*Backend, error) {
	b := &Backend{Checks: make(map[string]health.Checker)}

	var store eventstore.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		mem := eventstore.NewInMemoryStore()
		store = mem
		b.Checks["event_store"] = health.StoreChecker(mem)
		b.Limiter = middleware.NewInMemoryRateLimitStore()

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)

		pg := eventstore.NewPostgresStore(db, logger)
		if err := pg.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("migrate event store: %w", err)
		}
		store = pg
		b.Checks["database"] = health.NewDBChecker(db)
		b.Limiter = middleware.NewInMemoryRateLimitStore()

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		store = eventstore.NewRedisStore(client, eventstore.DefaultRedisPrefix, logger)
		b.Checks["redis"] = health.NewRedisChecker(client)
		b.Limiter = middleware.NewRedisRateLimitStore(client)

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStoreBackend, cfg.StoreBackend)
	}

	b.Store = eventstore.NewRetryStore(store, eventstore.RetryConfig{
		MaxAttempts:    cfg.StoreRetryAttempts,
		InitialBackoff: cfg.StoreRetryInitialBackoff,
		Logger:         logger,
		Metrics:        metrics,
	})

	logger.InfoContext(ctx, "event store opened", slog.String("backend", cfg.StoreBackend))
	return b, nil
}

// Close releases the backend connections.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
