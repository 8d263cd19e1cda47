// Package jobs hosts the recurring background work: the expiration sweep
// that removes sessions past their idle deadline or absolute TTL.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"sessiond/internal/metrics"
	"sessiond/internal/session"
)

// CleanupConfig parameterizes the sweep.
type CleanupConfig struct {
	// Interval between sweeps. Ignored when CronExpr is set.
	Interval time.Duration

	// CronExpr optionally schedules sweeps by cron expression
	// (standard five-field syntax) instead of a fixed interval.
	CronExpr string

	// IdleTimeout determines the cutoff: each tick sweeps sessions idle
	// since before now-IdleTimeout.
	IdleTimeout time.Duration

	// SweepTimeout bounds a single tick so a slow backend cannot make
	// ticks pile up.
	SweepTimeout time.Duration
}

// CleanupScheduler drives the idempotent expiration sweep on a timer. It
// holds no session state of its own; a failed tick is logged and the next
// tick proceeds normally.
type CleanupScheduler struct {
	scheduler gocron.Scheduler
	manager   *session.Manager
	cfg       CleanupConfig
}

// NewCleanupScheduler validates the configuration and builds the
// scheduler. It does not start ticking until Start is called.
func NewCleanupScheduler(manager *session.Manager, cfg CleanupConfig) (*CleanupScheduler, error) {
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if cfg.CronExpr != "" {
		if _, err := cron.ParseStandard(cfg.CronExpr); err != nil {
			return nil, fmt.Errorf("invalid cleanup cron expression %q: %w", cfg.CronExpr, err)
		}
	} else if cfg.Interval <= 0 {
		return nil, fmt.Errorf("cleanup interval must be positive")
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = time.Minute
	}

	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &CleanupScheduler{
		scheduler: scheduler,
		manager:   manager,
		cfg:       cfg,
	}, nil
}

// Start registers the sweep job and begins ticking.
func (s *CleanupScheduler) Start() error {
	var definition gocron.JobDefinition
	if s.cfg.CronExpr != "" {
		definition = gocron.CronJob(s.cfg.CronExpr, false)
	} else {
		definition = gocron.DurationJob(s.cfg.Interval)
	}

	_, err := s.scheduler.NewJob(
		definition,
		gocron.NewTask(s.sweep),
		gocron.WithName("session-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register cleanup job: %w", err)
	}

	s.scheduler.Start()
	slog.Info("cleanup scheduler started",
		"interval", s.cfg.Interval,
		"cron", s.cfg.CronExpr,
		"idle_timeout", s.cfg.IdleTimeout)
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *CleanupScheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// RunNow triggers one sweep immediately, outside the schedule.
func (s *CleanupScheduler) RunNow(ctx context.Context) (int, error) {
	return s.manager.CleanupExpired(ctx, time.Now().UTC().Add(-s.cfg.IdleTimeout))
}

// sweep is one tick: compute the cutoff and delegate to the manager. A
// failed sweep is not fatal; sessions it missed qualify again next tick.
func (s *CleanupScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.IdleTimeout)
	start := time.Now()

	removed, err := s.manager.CleanupExpired(ctx, cutoff)
	if err != nil {
		metrics.Get().CleanupSweeps.WithLabelValues("error").Inc()
		slog.Warn("cleanup sweep failed", "cutoff", cutoff, "error", err)
		return
	}

	metrics.Get().CleanupSweeps.WithLabelValues("ok").Inc()
	if removed > 0 {
		slog.Info("cleanup sweep completed",
			"removed", removed,
			"cutoff", cutoff,
			"duration", time.Since(start))
	}
}
