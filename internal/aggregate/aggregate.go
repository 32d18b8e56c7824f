// Package aggregate summarizes analytics and behavior events over a time window.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/jobs"
	"github.com/onnwee/insights/internal/stats"
	"github.com/onnwee/insights/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Aggregator reads both event streams and builds a Summary.
type Aggregator struct {
	store   eventstore.Store
	logger  *slog.Logger
	metrics *jobs.Metrics
}

// New creates an Aggregator. logger and metrics may be nil.
func New(store eventstore.Store, logger *slog.Logger, metrics *jobs.Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, logger: logger, metrics: metrics}
}

// Aggregate summarizes every event with start <= timestamp <= end.
// An empty window yields a zero Summary, not an error.
func (a *Aggregator) Aggregate(ctx context.Context, start, end time.Time) (summary Summary, err error) {
	started := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "aggregate.summary",
		attribute.String("insights.start", start.UTC().Format(time.RFC3339)),
		attribute.String("insights.end", end.UTC().Format(time.RFC3339)),
	)
	defer func() {
		endSpan(err)
		a.metrics.Observe(jobs.KindAggregate, started, err)
	}()

	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return Summary{}, fmt.Errorf("%w: start %s is after end %s", analytics.ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	var (
		events   []analytics.AnalyticsEvent
		behavior []analytics.UserBehaviorEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = analytics.Load(a.store.QueryRange(gctx, analytics.StreamAnalyticsEvents, start, end, nil),
			analytics.DecodeAnalyticsEvent, a.logger)
		if err != nil {
			return fmt.Errorf("load analytics events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		behavior, err = analytics.Load(a.store.QueryRange(gctx, analytics.StreamUserBehavior, start, end, nil),
			analytics.DecodeBehaviorEvent, a.logger)
		if err != nil {
			return fmt.Errorf("load behavior events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	summary = Summarize(start, end, events, behavior)
	tracing.SetAttributes(ctx, attribute.Int("insights.total_events", summary.TotalEvents))
	return summary, nil
}

// Summarize computes a Summary from already-loaded events.
func Summarize(start, end time.Time, events []analytics.AnalyticsEvent, behavior []analytics.UserBehaviorEvent) Summary {
	s := newSummary(start, end)
	users := make(map[string]struct{})

	bucket := func(ts time.Time) {
		ts = ts.UTC()
		s.DailyEvents[ts.Format(DayLayout)]++
		s.MonthlyEvents[ts.Format(MonthLayout)]++
	}

	for _, e := range events {
		bucket(e.Timestamp)
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
		switch e.Type {
		case analytics.EventArtistApplication:
			s.PendingApplications++
		case analytics.EventArtistApproval:
			s.ApprovedApplications++
		case analytics.EventArtistRejection:
			s.RejectedApplications++
		}
		if g := e.Genre(); g != "" {
			s.Genres[g]++
		}
	}

	type span struct{ first, last time.Time }
	sessions := make(map[string]*span)
	pages := newRanking()

	for _, b := range behavior {
		bucket(b.Timestamp)
		if b.UserID != "" {
			users[b.UserID] = struct{}{}
		}
		if g := b.Metadata.Extra["genre"]; g != "" {
			s.Genres[g]++
		}

		switch b.EventType {
		case analytics.BehaviorPageView:
			if b.Metadata.PageURL != "" {
				pages.add(b.Metadata.PageURL)
			}
		case analytics.BehaviorMusicPlay:
			s.UserEngagement.MusicPlays++
		case analytics.BehaviorDownload:
			s.UserEngagement.Downloads++
		case analytics.BehaviorShare:
			s.UserEngagement.Shares++
		case analytics.BehaviorComment:
			s.UserEngagement.Comments++
		}

		if b.Metadata.DeviceType != "" {
			s.DeviceUsage[b.Metadata.DeviceType]++
		}
		if b.Metadata.TimeOfDay != "" {
			s.TimeDistribution[b.Metadata.TimeOfDay]++
		}

		if b.SessionID == "" {
			continue
		}
		if sp, ok := sessions[b.SessionID]; ok {
			if b.Timestamp.Before(sp.first) {
				sp.first = b.Timestamp
			}
			if b.Timestamp.After(sp.last) {
				sp.last = b.Timestamp
			}
		} else {
			sessions[b.SessionID] = &span{first: b.Timestamp, last: b.Timestamp}
		}
	}

	durations := make([]float64, 0, len(sessions))
	for _, sp := range sessions {
		durations = append(durations, sp.last.Sub(sp.first).Seconds())
	}

	s.TotalEvents = len(events) + len(behavior)
	s.UniqueUsers = len(users)
	s.TotalSessions = len(sessions)
	s.AverageSessionDuration = stats.Mean(durations)
	s.PopularPages = pages.top(PopularPagesLimit)
	return s
}

// ranking counts keys and remembers first-seen order for tie-breaking.
type ranking struct {
	order  []string
	counts map[string]int
}

func newRanking() *ranking {
	return &ranking{counts: make(map[string]int)}
}

func (r *ranking) add(key string) {
	if _, ok := r.counts[key]; !ok {
		r.order = append(r.order, key)
	}
	r.counts[key]++
}

func (r *ranking) top(n int) []PageCount {
	out := make([]PageCount, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, PageCount{Page: key, Count: r.counts[key]})
	}
	slices.SortStableFunc(out, func(a, b PageCount) int {
		return b.Count - a.Count
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
