// Package cohort materializes criteria-defined user cohorts from behavior events
// and computes their retention, engagement and event-share metrics.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/jobs"
	"github.com/onnwee/insights/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures an Engine.
type Config struct {
	Logger  *slog.Logger
	Metrics *jobs.Metrics
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Engine manages cohorts stored in the event store.
type Engine struct {
	store   eventstore.Store
	logger  *slog.Logger
	metrics *jobs.Metrics
	now     func() time.Time
}

// New creates an Engine.
func New(store eventstore.Store, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// ValidateCriteria checks a cohort's selection criteria.
func ValidateCriteria(c analytics.CohortCriteria) error {
	var errs []error
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		errs = append(errs, errors.New("startDate and endDate are required"))
	} else if c.EndDate.Before(c.StartDate) {
		errs = append(errs, errors.New("endDate is before startDate"))
	}
	for _, t := range c.Events {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("unknown event type %q", t))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", analytics.ErrInvalidDefinition, errors.Join(errs...))
}

// CreateCohort stores a cohort with no members and zeroed metrics.
func (e *Engine) CreateCohort(ctx context.Context, name, description string, criteria analytics.CohortCriteria) (analytics.Cohort, error) {
	if name == "" {
		return analytics.Cohort{}, fmt.Errorf("%w: name is required", analytics.ErrInvalidDefinition)
	}
	if err := ValidateCriteria(criteria); err != nil {
		return analytics.Cohort{}, err
	}

	now := e.now().UTC()
	c := analytics.Cohort{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Criteria:    criteria,
		Users:       []string{},
		Metrics:     EmptyMetrics(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec, err := analytics.EncodeCohort(c)
	if err != nil {
		return analytics.Cohort{}, err
	}
	if _, err := e.store.Append(ctx, analytics.StreamCohorts, rec); err != nil {
		return analytics.Cohort{}, fmt.Errorf("create cohort: %w", analytics.FromStore(err))
	}
	c.Version = 1

	e.logger.InfoContext(ctx, "cohort created", slog.String("cohort_id", c.ID), slog.String("name", name))
	return c, nil
}

// GetCohort loads a cohort or returns analytics.ErrNotFound.
func (e *Engine) GetCohort(ctx context.Context, id string) (analytics.Cohort, error) {
	rec, err := e.store.GetByID(ctx, analytics.StreamCohorts, id)
	if err != nil {
		return analytics.Cohort{}, fmt.Errorf("cohort %s: %w", id, analytics.FromStore(err))
	}
	return analytics.DecodeCohort(rec)
}

// ListCohorts returns all cohorts in creation order.
func (e *Engine) ListCohorts(ctx context.Context) ([]analytics.Cohort, error) {
	cohorts, err := analytics.Load(e.store.QueryRange(ctx, analytics.StreamCohorts, time.Time{}, time.Time{}, nil),
		analytics.DecodeCohort, e.logger)
	if err != nil {
		return nil, fmt.Errorf("list cohorts: %w", err)
	}
	if cohorts == nil {
		cohorts = []analytics.Cohort{}
	}
	return cohorts, nil
}

// Materialize evaluates the cohort criteria against behavior events in the
// window and replaces the member list. Previous metrics are reset because they
// describe the old membership.
func (e *Engine) Materialize(ctx context.Context, id string) (c analytics.Cohort, err error) {
	started := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "cohort.materialize", attribute.String("insights.cohort_id", id))
	defer func() {
		endSpan(err)
		e.metrics.Observe(jobs.KindCohortMaterialize, started, err)
	}()

	c, err = e.GetCohort(ctx, id)
	if err != nil {
		return analytics.Cohort{}, err
	}

	events, err := analytics.Load(
		e.store.QueryRange(ctx, analytics.StreamUserBehavior, c.Criteria.StartDate, c.Criteria.EndDate, nil),
		analytics.DecodeBehaviorEvent, e.logger)
	if err != nil {
		return analytics.Cohort{}, fmt.Errorf("materialize cohort %s: %w", id, err)
	}

	now := e.now().UTC()
	c.Users = SelectUsers(c.Criteria, events)
	c.Metrics = EmptyMetrics()
	c.MaterializedAt = &now
	c.AnalyzedAt = nil
	c.UpdatedAt = now
	if err := e.save(ctx, &c); err != nil {
		return analytics.Cohort{}, err
	}

	tracing.SetAttributes(ctx, attribute.Int("insights.cohort_size", len(c.Users)))
	e.logger.InfoContext(ctx, "cohort materialized", slog.String("cohort_id", id), slog.Int("users", len(c.Users)))
	return c, nil
}

// SelectUsers returns the sorted distinct users whose events satisfy criteria.
// A user qualifies when they performed every listed event type and at least one
// of their events carries every listed property. Events must already be
// restricted to the criteria window.
func SelectUsers(criteria analytics.CohortCriteria, events []analytics.UserBehaviorEvent) []string {
	type candidate struct {
		types      map[analytics.BehaviorType]struct{}
		propsMatch bool
	}
	candidates := make(map[string]*candidate)
	for _, ev := range events {
		if ev.UserID == "" {
			continue
		}
		cand, ok := candidates[ev.UserID]
		if !ok {
			cand = &candidate{types: make(map[analytics.BehaviorType]struct{})}
			candidates[ev.UserID] = cand
		}
		cand.types[ev.EventType] = struct{}{}
		if !cand.propsMatch && matchProperties(ev.Metadata, criteria.UserProperties) {
			cand.propsMatch = true
		}
	}

	users := make([]string, 0, len(candidates))
	for user, cand := range candidates {
		if !cand.propsMatch {
			continue
		}
		hasAll := true
		for _, t := range criteria.Events {
			if _, ok := cand.types[t]; !ok {
				hasAll = false
				break
			}
		}
		if hasAll {
			users = append(users, user)
		}
	}
	slices.Sort(users)
	return users
}

func matchProperties(md analytics.BehaviorMetadata, props map[string]string) bool {
	for k, want := range props {
		if got, ok := md.Property(k); !ok || got != want {
			return false
		}
	}
	return true
}

// Analyze computes metrics for the current members and stores them on the
// cohort, replacing any previous analysis. Running it twice without new events
// yields the same metrics.
func (e *Engine) Analyze(ctx context.Context, id string) (m analytics.CohortMetrics, err error) {
	c, err := e.analyze(ctx, id)
	if err != nil {
		return analytics.CohortMetrics{}, err
	}
	return c.Metrics, nil
}

func (e *Engine) analyze(ctx context.Context, id string) (c analytics.Cohort, err error) {
	started := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "cohort.analyze", attribute.String("insights.cohort_id", id))
	defer func() {
		endSpan(err)
		e.metrics.Observe(jobs.KindCohortAnalyze, started, err)
	}()

	c, err = e.GetCohort(ctx, id)
	if err != nil {
		return analytics.Cohort{}, err
	}

	events, err := e.memberEvents(ctx, c)
	if err != nil {
		return analytics.Cohort{}, fmt.Errorf("analyze cohort %s: %w", id, err)
	}

	now := e.now().UTC()
	c.Metrics = ComputeMetrics(c.Users, events)
	c.AnalyzedAt = &now
	c.UpdatedAt = now
	if err := e.save(ctx, &c); err != nil {
		return analytics.Cohort{}, err
	}
	return c, nil
}

// Refresh re-materializes membership and analyzes the new members.
func (e *Engine) Refresh(ctx context.Context, id string) (analytics.Cohort, error) {
	if _, err := e.Materialize(ctx, id); err != nil {
		return analytics.Cohort{}, err
	}
	return e.analyze(ctx, id)
}

// memberEvents loads the criteria window once and keeps the members' events.
func (e *Engine) memberEvents(ctx context.Context, c analytics.Cohort) ([]analytics.UserBehaviorEvent, error) {
	if len(c.Users) == 0 {
		return nil, nil
	}

	events, err := analytics.Load(
		e.store.QueryRange(ctx, analytics.StreamUserBehavior, c.Criteria.StartDate, c.Criteria.EndDate, nil),
		analytics.DecodeBehaviorEvent, e.logger)
	if err != nil {
		return nil, fmt.Errorf("load member events: %w", err)
	}

	members := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		members[u] = struct{}{}
	}
	return slices.DeleteFunc(events, func(ev analytics.UserBehaviorEvent) bool {
		_, ok := members[ev.UserID]
		return !ok
	}), nil
}

func (e *Engine) save(ctx context.Context, c *analytics.Cohort) error {
	rec, err := analytics.EncodeCohort(*c)
	if err != nil {
		return err
	}
	if err := e.store.UpdateWhole(ctx, analytics.StreamCohorts, c.ID, rec); err != nil {
		return fmt.Errorf("save cohort %s: %w", c.ID, analytics.FromStore(err))
	}
	c.Version++
	return nil
}
