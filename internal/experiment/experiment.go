// Package experiment manages A/B test definitions, deterministic variant
// assignment, exposure tracking and per-variant results with Wilson score
// confidence intervals.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/eventstore"
	"github.com/onnwee/insights/internal/jobs"
	"github.com/onnwee/insights/internal/stats"
	"github.com/onnwee/insights/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Config configures an Engine.
type Config struct {
	Logger  *slog.Logger
	Metrics *jobs.Metrics
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Engine runs experiments against the event store.
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
	return &Engine{store: store, logger: cfg.Logger, metrics: cfg.Metrics, now: cfg.Now}
}

// Definition is the input to CreateExperiment.
type Definition struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	StartDate   time.Time           `json:"startDate"`
	EndDate     time.Time           `json:"endDate"`
	Variants    []analytics.Variant `json:"variants"`
	Metrics     []string            `json:"metrics"`
}

// Validate reports every problem with the definition, wrapped in
// analytics.ErrInvalidDefinition.
func (d Definition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(d.Variants) == 0 {
		errs = append(errs, errors.New("at least one variant is required"))
	}
	if len(d.Metrics) == 0 {
		errs = append(errs, errors.New("at least one metric is required"))
	}
	if !d.StartDate.IsZero() && !d.EndDate.IsZero() && d.EndDate.Before(d.StartDate) {
		errs = append(errs, errors.New("endDate is before startDate"))
	}
	seen := make(map[string]bool, len(d.Variants))
	for i, v := range d.Variants {
		if v.ID == "" {
			continue
		}
		if seen[v.ID] {
			errs = append(errs, fmt.Errorf("variant %d: duplicate id %q", i, v.ID))
		}
		seen[v.ID] = true
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", analytics.ErrInvalidDefinition, errors.Join(errs...))
}

// CreateExperiment stores a new experiment in draft status. Variants without
// an id are given one.
func (e *Engine) CreateExperiment(ctx context.Context, def Definition) (analytics.Experiment, error) {
	if err := def.Validate(); err != nil {
		return analytics.Experiment{}, err
	}

	now := e.now().UTC()
	exp := analytics.Experiment{
		ID:          uuid.New().String(),
		Name:        def.Name,
		Description: def.Description,
		StartDate:   def.StartDate,
		EndDate:     def.EndDate,
		Variants:    make([]analytics.Variant, len(def.Variants)),
		Metrics:     append([]string(nil), def.Metrics...),
		Status:      analytics.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, v := range def.Variants {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		exp.Variants[i] = v
	}

	rec, err := analytics.EncodeExperiment(exp)
	if err != nil {
		return analytics.Experiment{}, err
	}
	if _, err := e.store.Append(ctx, analytics.StreamExperiments, rec); err != nil {
		return analytics.Experiment{}, fmt.Errorf("create experiment: %w", analytics.FromStore(err))
	}
	exp.Version = 1

	e.logger.InfoContext(ctx, "experiment created",
		slog.String("experiment_id", exp.ID),
		slog.String("name", exp.Name),
		slog.Int("variants", len(exp.Variants)))
	return exp, nil
}

// GetExperiment loads an experiment or returns analytics.ErrNotFound.
func (e *Engine) GetExperiment(ctx context.Context, id string) (analytics.Experiment, error) {
	rec, err := e.store.GetByID(ctx, analytics.StreamExperiments, id)
	if err != nil {
		return analytics.Experiment{}, fmt.Errorf("experiment %s: %w", id, analytics.FromStore(err))
	}
	return analytics.DecodeExperiment(rec)
}

// ListExperiments returns experiments in creation order. An empty status lists all.
func (e *Engine) ListExperiments(ctx context.Context, status analytics.ExperimentStatus) ([]analytics.Experiment, error) {
	var filters eventstore.Filters
	if status != "" {
		filters = eventstore.Filters{analytics.FieldStatus: string(status)}
	}
	exps, err := analytics.Load(e.store.QueryRange(ctx, analytics.StreamExperiments, time.Time{}, time.Time{}, filters),
		analytics.DecodeExperiment, e.logger)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	if exps == nil {
		exps = []analytics.Experiment{}
	}
	return exps, nil
}

// ActivateExperiment moves a draft experiment to active.
func (e *Engine) ActivateExperiment(ctx context.Context, id string) (analytics.Experiment, error) {
	return e.transition(ctx, id, analytics.StatusDraft, analytics.StatusActive)
}

// CompleteExperiment moves an active experiment to completed. Results stay readable.
func (e *Engine) CompleteExperiment(ctx context.Context, id string) (analytics.Experiment, error) {
	return e.transition(ctx, id, analytics.StatusActive, analytics.StatusCompleted)
}

func (e *Engine) transition(ctx context.Context, id string, from, to analytics.ExperimentStatus) (analytics.Experiment, error) {
	exp, err := e.GetExperiment(ctx, id)
	if err != nil {
		return analytics.Experiment{}, err
	}
	if exp.Status != from {
		return analytics.Experiment{}, fmt.Errorf("%w: experiment %s is %s, cannot move to %s",
			analytics.ErrInvalidTransition, id, exp.Status, to)
	}

	exp.Status = to
	exp.UpdatedAt = e.now().UTC()
	rec, err := analytics.EncodeExperiment(exp)
	if err != nil {
		return analytics.Experiment{}, err
	}
	if err := e.store.UpdateWhole(ctx, analytics.StreamExperiments, id, rec); err != nil {
		return analytics.Experiment{}, fmt.Errorf("experiment %s: %w", id, analytics.FromStore(err))
	}
	exp.Version++

	e.logger.InfoContext(ctx, "experiment status changed",
		slog.String("experiment_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return exp, nil
}

// AssignVariant deterministically maps a user to one of the experiment's
// variants. It does not record an impression.
func (e *Engine) AssignVariant(ctx context.Context, testID, userID string) (analytics.Variant, error) {
	if userID == "" {
		return analytics.Variant{}, fmt.Errorf("%w: userId is required", analytics.ErrInvalidEvent)
	}
	exp, err := e.GetExperiment(ctx, testID)
	if err != nil {
		return analytics.Variant{}, err
	}
	if exp.Status != analytics.StatusActive {
		return analytics.Variant{}, fmt.Errorf("%w: experiment %s is %s", analytics.ErrExperimentNotActive, testID, exp.Status)
	}
	return exp.Variants[Bucket(testID, userID, len(exp.Variants))], nil
}

// Bucket returns a stable index in [0, n) for the (testID, userID) pair.
func Bucket(testID, userID string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(testID+":"+userID) % uint64(n))
}

// TrackImpression records that userID was shown variantID. Repeated
// impressions are stored; results count distinct users.
func (e *Engine) TrackImpression(ctx context.Context, testID, variantID, userID string) error {
	return e.track(ctx, analytics.StreamImpressions, testID, variantID, userID)
}

// TrackConversion records that userID completed the goal under variantID.
// A prior impression is not required.
func (e *Engine) TrackConversion(ctx context.Context, testID, variantID, userID string) error {
	return e.track(ctx, analytics.StreamConversions, testID, variantID, userID)
}

func (e *Engine) track(ctx context.Context, stream eventstore.Stream, testID, variantID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", analytics.ErrInvalidEvent)
	}
	exp, err := e.GetExperiment(ctx, testID)
	if err != nil {
		return err
	}
	if exp.Status != analytics.StatusActive {
		return fmt.Errorf("%w: experiment %s is %s", analytics.ErrExperimentNotActive, testID, exp.Status)
	}
	if _, ok := exp.Variant(variantID); !ok {
		return fmt.Errorf("%w: %q in experiment %s", analytics.ErrUnknownVariant, variantID, testID)
	}

	rec, err := analytics.EncodeExposure(analytics.Exposure{
		TestID:    testID,
		VariantID: variantID,
		UserID:    userID,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := e.store.Append(ctx, stream, rec); err != nil {
		return fmt.Errorf("track %s: %w", stream, analytics.FromStore(err))
	}
	return nil
}

// GetResults computes per-variant outcomes for any experiment status.
// Variants without impressions are omitted; order follows the definition.
//
// Impressions and conversions are distinct users per variant. A conversion
// only counts when the same user also has an impression for that variant, so
// the conversion rate stays within [0, 1].
func (e *Engine) GetResults(ctx context.Context, testID string) (results []analytics.VariantResult, err error) {
	started := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "experiment.results", attribute.String("insights.experiment_id", testID))
	defer func() {
		endSpan(err)
		e.metrics.Observe(jobs.KindExperimentResults, started, err)
	}()

	exp, err := e.GetExperiment(ctx, testID)
	if err != nil {
		return nil, err
	}

	var impressions, conversions []analytics.Exposure
	filters := eventstore.Filters{analytics.FieldTestID: testID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		impressions, err = analytics.Load(e.store.QueryRange(gctx, analytics.StreamImpressions, time.Time{}, time.Time{}, filters),
			analytics.DecodeExposure, e.logger)
		return err
	})
	g.Go(func() error {
		var err error
		conversions, err = analytics.Load(e.store.QueryRange(gctx, analytics.StreamConversions, time.Time{}, time.Time{}, filters),
			analytics.DecodeExposure, e.logger)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("results for %s: %w", testID, err)
	}

	return Compute(exp.Variants, impressions, conversions), nil
}

// Compute derives variant results from raw exposures. Both counts are distinct
// users, and the rate divides by the variant's own impressed users rather than
// the whole test's impressions. A conversion counts only for a user who also
// has an impression on that variant, so the rate stays within [0, 1].
// Variants without impressions are omitted.
func Compute(variants []analytics.Variant, impressions, conversions []analytics.Exposure) []analytics.VariantResult {
	impressed := distinctUsers(impressions)
	converted := distinctUsers(conversions)

	results := make([]analytics.VariantResult, 0, len(variants))
	for _, v := range variants {
		users := impressed[v.ID]
		if len(users) == 0 {
			continue
		}
		conv := 0
		for user := range converted[v.ID] {
			if _, ok := users[user]; ok {
				conv++
			}
		}

		n := len(users)
		iv := stats.Wilson(conv, n, stats.Z95)
		results = append(results, analytics.VariantResult{
			VariantID:      v.ID,
			VariantName:    v.Name,
			Impressions:    n,
			Conversions:    conv,
			ConversionRate: stats.Ratio(float64(conv), float64(n)),
			Confidence:     iv.HalfWidth,
			Center:         iv.Center,
			Lower:          iv.Lower(),
			Upper:          iv.Upper(),
		})
	}
	return results
}

// distinctUsers groups exposures into variant -> set of user ids.
func distinctUsers(exposures []analytics.Exposure) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for _, x := range exposures {
		set, ok := out[x.VariantID]
		if !ok {
			set = make(map[string]struct{})
			out[x.VariantID] = set
		}
		set[x.UserID] = struct{}{}
	}
	return out
}
