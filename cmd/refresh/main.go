// Package main is the entry point for the batch refresh job. It re-materializes
// and analyzes cohorts and can print a reporting summary, for use from cron.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/insights/internal/aggregate"
	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/app"
	"github.com/onnwee/insights/internal/cohort"
	"github.com/onnwee/insights/internal/config"
	"github.com/onnwee/insights/internal/middleware"
	"github.com/onnwee/insights/internal/stats"
	"golang.org/x/sync/errgroup"
)

// refreshConcurrency caps the cohorts refreshed in parallel.
const refreshConcurrency = 4

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	cohortID := flag.String("cohort", "", "refresh only this cohort id")
	summaryDays := flag.Int("summary-days", 0, "also print the summary of the last N days as JSON")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Insights Refresh Job")
		fmt.Println()
		fmt.Println("Usage: refresh [options]")
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
	// stdout is reserved for the summary.
	logger := middleware.NewLoggerTo(os.Stderr, env)
	slog.SetDefault(logger)
	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("memory backend has no shared state, nothing to refresh")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{cohortID: *cohortID, summaryDays: *summaryDays}
	if code := run(ctx, cfg, opts, logger); code != 0 {
		stop()
		os.Exit(code)
	}
}

type options struct {
	cohortID    string
	summaryDays int
}

// run executes the job and returns the process exit code: 1 when the job
// could not run, 2 when some cohorts failed to refresh.
func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) int {
	backend, err := app.OpenBackend(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("failed to open event store", "error", err)
		return 1
	}
	defer backend.Close()

	engine := cohort.New(backend.Store, cohort.Config{Logger: logger})
	var ids []string
	if opts.cohortID != "" {
		ids = []string{opts.cohortID}
	}
	tally, err := refreshCohorts(ctx, engine, ids, logger)
	if err != nil {
		logger.Error("refresh failed", "error", err)
		return 1
	}

	if opts.summaryDays > 0 {
		agg := aggregate.New(backend.Store, logger, nil)
		if err := printSummary(ctx, os.Stdout, agg, time.Now().UTC(), opts.summaryDays, cfg.QueryTimeout); err != nil {
			logger.Error("summary failed", "error", err)
			return 1
		}
	}

	if tally.Failed() > 0 {
		return 2
	}
	return 0
}

// CohortRefresher is the part of the cohort engine used by the job.
type CohortRefresher interface {
	ListCohorts(ctx context.Context) ([]analytics.Cohort, error)
	Refresh(ctx context.Context, id string) (analytics.Cohort, error)
}

// refreshCohorts refreshes ids, or every cohort when ids is empty. A failing
// cohort is logged and counted; it does not stop the others. The returned
// error is only for failing to list cohorts.
func refreshCohorts(ctx context.Context, engine CohortRefresher, ids []string, logger *slog.Logger) (*stats.Tally, error) {
	if len(ids) == 0 {
		cohorts, err := engine.ListCohorts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list cohorts: %w", err)
		}
		for _, c := range cohorts {
			ids = append(ids, c.ID)
		}
	}

	tally := stats.NewTally()
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			c, err := engine.Refresh(ctx, id)
			if err != nil {
				tally.RecordFailure()
				logger.WarnContext(ctx, "cohort refresh failed", "cohort_id", id, "error", err)
				return nil
			}
			tally.RecordSuccess()
			logger.InfoContext(ctx, "cohort refreshed", "cohort_id", id, "users", len(c.Users))
			return nil
		})
	}
	_ = g.Wait()

	tally.LogSummary(ctx, logger, "cohort_refresh")
	return tally, nil
}

// SummaryAggregator produces a reporting summary.
type SummaryAggregator interface {
	Aggregate(ctx context.Context, start, end time.Time) (aggregate.Summary, error)
}

// printSummary writes the summary of the days before now as indented JSON.
func printSummary(ctx context.Context, w io.Writer, agg SummaryAggregator, now time.Time, days int, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	summary, err := agg.Aggregate(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
