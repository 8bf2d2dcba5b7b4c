// Package scheduler runs the cron-driven report retention sweep.
// Reports that have not been touched within the retention window are
// pruned from both the artifact tree on disk and the database. One
// failing report never stops the rest of a sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/nyumba/internal/artifact"
	"github.com/jkaninda/nyumba/internal/config"
	"github.com/jkaninda/nyumba/internal/storage"
)

// sweepTimeout bounds one full sweep so a wedged backend cannot pile up
// overlapping runs.
const sweepTimeout = 10 * time.Minute

// Sweeper prunes expired reports on a cron schedule.
type Sweeper struct {
	reports   storage.ReportStore
	artifacts *artifact.Store
	cfg       *config.RetentionConfig
	metrics   *Metrics
	logger    *slog.Logger

	cron *cron.Cron
}

// New creates a retention sweeper. metrics may be nil.
func New(reports storage.ReportStore, artifacts *artifact.Store, cfg *config.RetentionConfig, metrics *Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		reports:   reports,
		artifacts: artifacts,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start schedules the sweep and returns a stop function. The schedule
// comes from config (standard five-field cron, default 03:00 daily).
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	schedule := s.cfg.CronSchedule()

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(sweepCtx); err != nil {
			s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("retention sweeper started",
		slog.String("schedule", schedule),
		slog.Duration("max_age", s.cfg.MaxAge()),
	)

	return func() {
		stopCtx := c.Stop()
		// Let an in-flight sweep finish before reporting stopped.
		<-stopCtx.Done()
		s.logger.Info("retention sweeper stopped")
	}, nil
}

// Sweep prunes every report last updated before the retention cutoff
// and returns how many were fully removed. Per-report failures are
// logged and skipped; the report is retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := start.Add(-s.cfg.MaxAge())

	ids, err := s.reports.OlderThan(ctx, cutoff)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SweepsFailed.Inc()
		}
		return 0, fmt.Errorf("listing expired reports: %w", err)
	}

	pruned := 0
	for _, id := range ids {
		if err := s.prune(ctx, id); err != nil {
			s.logger.Warn("pruning report",
				slog.String("report_id", id),
				slog.String("error", err.Error()),
			)
			if s.metrics != nil {
				s.metrics.PruneErrors.Inc()
			}
			continue
		}
		pruned++
	}

	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.ReportsPruned.Add(float64(pruned))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Info("retention sweep complete",
		slog.Int("expired", len(ids)),
		slog.Int("pruned", pruned),
		slog.Duration("elapsed", time.Since(start)),
	)
	return pruned, nil
}

// prune removes one report: artifacts on disk first, then the rows. A
// report with no artifact directory is not an error; the row alone can
// exist when a run produced no files.
func (s *Sweeper) prune(ctx context.Context, id string) error {
	if err := s.artifacts.DeleteReport(id); err != nil {
		var nameErr *artifact.InvalidNameError
		if errors.As(err, &nameErr) {
			// A report id the artifact store refuses cannot have a
			// directory under it. Drop the row anyway.
			s.logger.Warn("expired report id fails artifact store validation",
				slog.String("report_id", id),
			)
		} else {
			return fmt.Errorf("deleting artifacts: %w", err)
		}
	}
	if err := s.reports.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting report row: %w", err)
	}
	return nil
}
