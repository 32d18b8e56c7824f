package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Tally counts successes and failures of a batch operation.
// All operations are thread-safe using atomic counters.
type Tally struct {
	succeeded int64
	failed    int64
}

// NewTally creates a new Tally.
func NewTally() *Tally {
	return &Tally{}
}

// RecordSuccess increments the success counter.
func (t *Tally) RecordSuccess() {
	atomic.AddInt64(&t.succeeded, 1)
}

// RecordFailure increments the failure counter.
func (t *Tally) RecordFailure() {
	atomic.AddInt64(&t.failed, 1)
}

// Succeeded returns the number of successes.
func (t *Tally) Succeeded() int64 {
	return atomic.LoadInt64(&t.succeeded)
}

// Failed returns the number of failures.
func (t *Tally) Failed() int64 {
	return atomic.LoadInt64(&t.failed)
}

// Total returns successes plus failures.
func (t *Tally) Total() int64 {
	return t.Succeeded() + t.Failed()
}

// String returns a human-readable summary.
func (t *Tally) String() string {
	return fmt.Sprintf("succeeded=%d failed=%d total=%d", t.Succeeded(), t.Failed(), t.Total())
}

// LogSummary logs the tally at INFO level, or WARN when anything failed.
func (t *Tally) LogSummary(ctx context.Context, logger *slog.Logger, operation string) {
	level := slog.LevelInfo
	if t.Failed() > 0 {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "batch statistics",
		"operation", operation,
		"succeeded", t.Succeeded(),
		"failed", t.Failed(),
		"total", t.Total(),
	)
}
