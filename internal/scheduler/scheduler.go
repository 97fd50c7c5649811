// Package scheduler runs the pool refresh once at startup and then on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"proxy-rotator-go/internal/client"
)

// Refresher is the refresh operation driven by the scheduler.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Scheduler triggers pool refreshes outside the request path.
type Scheduler struct {
	refresher Refresher
	schedule  string
	timeout   time.Duration
	logger    *slog.Logger

	cron *cron.Cron
}

// New creates a Scheduler. schedule is a standard 5-field cron expression or a
// descriptor such as "@daily"; timeout bounds each scheduled refresh.
func New(refresher Refresher, schedule string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		schedule:  schedule,
		timeout:   timeout,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start runs one refresh synchronously and then schedules the recurring job.
// The initial refresh is bounded by the same timeout as scheduled runs. Only a
// missing API credential fails startup; any other refresh failure is logged
// and left to the next scheduled run.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", s.schedule, err)
	}

	startCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.refresh(startCtx); errors.Is(err, client.ErrAuthMissing) {
		return fmt.Errorf("initial refresh: %w", err)
	}

	s.cron = c
	c.Start()

	next := time.Time{}
	if entries := c.Entries(); len(entries) > 0 {
		next = entries[0].Next
	}
	s.logger.Info("refresh scheduled", "schedule", s.schedule, "next_run", next)
	return nil
}

// Stop stops the schedule and waits for a running refresh to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_, _ = s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) (int, error) {
	n, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.logger.Warn("scheduled refresh failed; keeping current pool", "err", err)
		return 0, err
	}
	s.logger.Debug("scheduled refresh completed", "pool_size", n)
	return n, nil
}
