// Package health provides readiness checks for the event store backends.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Checker is implemented by anything that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Pinger is the subset of eventstore.Store used for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker checks the event store through its Ping method.
func StoreChecker(store Pinger) Checker {
	return CheckerFunc(store.Ping)
}

// Status values reported per check.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Run executes all checks concurrently and returns a status per name plus
// whether every check passed. Failures are logged with their error.
func Run(ctx context.Context, checks map[string]Checker) (map[string]string, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(checks))
		healthy = true
		g       errgroup.Group
	)
	for _, name := range names {
		checker := checks[name]
		g.Go(func() error {
			status := StatusOK
			if err := checker.HealthCheck(ctx); err != nil {
				status = StatusError
				slog.WarnContext(ctx, "health check failed", "check", name, "error", err)
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = status
			if status != StatusOK {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, healthy
}
