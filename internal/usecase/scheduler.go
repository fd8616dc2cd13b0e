package usecase

import (
	"context"
	"io"
	"log/slog"
	"time"

	"ListingWatcher/internal/ports"
)

// Runner is the part of the pipeline a scheduler triggers.
type Runner interface {
	RunETL(ctx context.Context, refreshOverride *time.Duration) (Report, error)
	RunNotify(ctx context.Context) (Report, error)
}

// Scheduler wires the cron driver with the pipeline use case.
type Scheduler struct {
	driver ports.Scheduler
	runner Runner
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{driver: driver, runner: runner, logger: logger}
}

// Start registers the pipeline with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.runner == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) {
		s.Tick(ctx, trigger)
	})
}

// Tick runs ETL then notify. Notify runs even when ETL reported failures.
func (s *Scheduler) Tick(ctx context.Context, trigger time.Time) {
	logger := s.logger.With("trigger", trigger.Format(time.RFC3339))

	report, err := s.runner.RunETL(ctx, nil)
	s.logOutcome(logger, report, err)

	report, err = s.runner.RunNotify(ctx)
	s.logOutcome(logger, report, err)
}

func (s *Scheduler) logOutcome(logger *slog.Logger, report Report, err error) {
	switch {
	case err == nil:
		logger.Info("scheduled run succeeded", "phase", report.Phase, "run_id", report.RunID)
	case RunFailed(err):
		logger.Error("scheduled run failed", "phase", report.Phase, "run_id", report.RunID, "error", err)
	default:
		logger.Warn("scheduled run finished with failures", "phase", report.Phase, "run_id", report.RunID,
			"failed", report.Failed, "units", report.Units, "error", err)
	}
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
