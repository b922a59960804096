package calsync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher marks cached calendar data stale.
type Refresher interface {
	Refresh()
}

// Scheduler triggers periodic refreshes on a standard five-field cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	entryID cron.EntryID
}

// ValidateSchedule reports whether spec parses as a standard cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("calsync.schedule: %w", err)
	}
	return nil
}

// NewScheduler registers a refresh job for spec.
func NewScheduler(spec string, refresher Refresher, metrics MetricsRecorder, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	entryID, err := runner.AddFunc(spec, func() {
		logger.Info("scheduled calendar refresh")
		metrics.Increment(MetricRefreshed)
		refresher.Refresh()
	})
	if err != nil {
		return nil, fmt.Errorf("calsync.schedule: %w", err)
	}
	return &Scheduler{cron: runner, logger: logger, entryID: entryID}, nil
}

// Run starts the schedule and stops it when ctx ends, waiting for a running job.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	scheduler.cron.Start()
	scheduler.logger.Info("refresh schedule started", zap.Time("next", scheduler.cron.Entry(scheduler.entryID).Next))
	<-ctx.Done()
	<-scheduler.cron.Stop().Done()
	return nil
}
