// Package recorder validates, timestamps and stores analytics and behavior events.
//
// Recording is best-effort: failures are logged and returned as
// analytics.ErrRecordFailed so callers can ignore them without breaking the
// user action that produced the event.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/stats"
	"github.com/onnwee/insights/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures a Recorder.
type Config struct {
	// ClockSkewTolerance is how far in the future a client timestamp may be.
	ClockSkewTolerance time.Duration
	Logger             *slog.Logger
	// Metrics is optional.
	Metrics *Metrics
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Recorder writes events to the event store.
type Recorder struct {
	store   eventstore.Store
	skew    time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates a Recorder writing to store.
func New(store eventstore.Store, cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{
		store:   store,
		skew:    max(cfg.ClockSkewTolerance, 0),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Record validates and stores either kind of event and returns the record id.
// A zero timestamp is replaced with the server time; timestamps further in the
// future than the skew tolerance are rejected with analytics.ErrInvalidEvent.
// Store failures return analytics.ErrRecordFailed.
func (r *Recorder) Record(ctx context.Context, event analytics.Event) (string, error) {
	switch e := event.(type) {
	case analytics.AnalyticsEvent:
		return r.RecordAnalytics(ctx, e)
	case analytics.UserBehaviorEvent:
		return r.RecordBehavior(ctx, e)
	case *analytics.AnalyticsEvent:
		if e != nil {
			return r.RecordAnalytics(ctx, *e)
		}
	case *analytics.UserBehaviorEvent:
		if e != nil {
			return r.RecordBehavior(ctx, *e)
		}
	}
	return "", fmt.Errorf("%w: unsupported event %T", analytics.ErrInvalidEvent, event)
}

// RecordAnalytics stores a generic analytics event.
func (r *Recorder) RecordAnalytics(ctx context.Context, e analytics.AnalyticsEvent) (string, error) {
	stream := analytics.StreamAnalyticsEvents
	if !e.Type.Valid() {
		return "", r.reject(ctx, stream, fmt.Errorf("%w: unknown event type %q", analytics.ErrInvalidEvent, e.Type))
	}
	ts, err := r.stamp(e.Timestamp)
	if err != nil {
		return "", r.reject(ctx, stream, err)
	}
	e.Timestamp = ts

	rec, err := analytics.EncodeAnalyticsEvent(e)
	if err != nil {
		return "", r.reject(ctx, stream, fmt.Errorf("%w: %w", analytics.ErrInvalidEvent, err))
	}
	return r.append(ctx, stream, string(e.Type), rec)
}

// RecordBehavior stores a user behavior event.
func (r *Recorder) RecordBehavior(ctx context.Context, e analytics.UserBehaviorEvent) (string, error) {
	stream := analytics.StreamUserBehavior
	if err := validateBehavior(e); err != nil {
		return "", r.reject(ctx, stream, err)
	}
	ts, err := r.stamp(e.Timestamp)
	if err != nil {
		return "", r.reject(ctx, stream, err)
	}
	e.Timestamp = ts

	rec, err := analytics.EncodeBehaviorEvent(e)
	if err != nil {
		return "", r.reject(ctx, stream, fmt.Errorf("%w: %w", analytics.ErrInvalidEvent, err))
	}
	return r.append(ctx, stream, string(e.EventType), rec)
}

// Track records event and discards the outcome. Failures are already logged
// and counted by Record.
func (r *Recorder) Track(ctx context.Context, event analytics.Event) {
	_, _ = r.Record(ctx, event)
}

// BatchResult is the outcome of one event in a batch.
type BatchResult struct {
	ID  string
	Err error
}

// RecordBatch records each event independently, in order. One bad event does
// not stop the rest. The returned slice is parallel to events.
func (r *Recorder) RecordBatch(ctx context.Context, events []analytics.Event) []BatchResult {
	tally := stats.NewTally()
	results := make([]BatchResult, len(events))
	for i, event := range events {
		if err := ctx.Err(); err != nil {
			results[i].Err = fmt.Errorf("%w: %w", analytics.ErrRecordFailed, err)
			tally.RecordFailure()
			continue
		}
		id, err := r.Record(ctx, event)
		results[i] = BatchResult{ID: id, Err: err}
		if err != nil {
			tally.RecordFailure()
		} else {
			tally.RecordSuccess()
		}
	}
	tally.LogSummary(ctx, r.logger, "record_batch")
	return results
}

func (r *Recorder) stamp(ts time.Time) (time.Time, error) {
	now := r.now().UTC()
	if ts.IsZero() {
		return now, nil
	}
	if ts.After(now.Add(r.skew)) {
		return time.Time{}, fmt.Errorf("%w: timestamp %s is in the future", analytics.ErrInvalidEvent, ts.UTC().Format(time.RFC3339Nano))
	}
	return ts.UTC(), nil
}

func (r *Recorder) append(ctx context.Context, stream eventstore.Stream, eventType string, rec eventstore.Record) (id string, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "recorder.record",
		attribute.String("insights.stream", string(stream)),
		attribute.String("insights.event_type", eventType),
	)
	defer func() { endSpan(err) }()

	id, err = r.store.Append(ctx, stream, rec)
	if err != nil {
		err = fmt.Errorf("%w: %w", analytics.ErrRecordFailed, analytics.FromStore(err))
		if r.metrics != nil {
			r.metrics.IncFailed(string(stream), ReasonStore)
		}
		r.logger.WarnContext(ctx, "failed to record event",
			slog.String("stream", string(stream)),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return "", err
	}
	if r.metrics != nil {
		r.metrics.IncRecorded(string(stream))
	}
	return id, nil
}

func (r *Recorder) reject(ctx context.Context, stream eventstore.Stream, err error) error {
	if r.metrics != nil {
		r.metrics.IncFailed(string(stream), ReasonInvalid)
	}
	r.logger.WarnContext(ctx, "rejected event",
		slog.String("stream", string(stream)),
		slog.String("error", err.Error()))
	return err
}

func validateBehavior(e analytics.UserBehaviorEvent) error {
	var errs []error
	if e.UserID == "" {
		errs = append(errs, errors.New("userId is required"))
	}
	if e.SessionID == "" {
		errs = append(errs, errors.New("sessionId is required"))
	}
	if !e.EventType.Valid() {
		errs = append(errs, fmt.Errorf("unknown event type %q", e.EventType))
	}
	if e.Duration != nil && *e.Duration < 0 {
		errs = append(errs, errors.New("duration must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", analytics.ErrInvalidEvent, errors.Join(errs...))
}
