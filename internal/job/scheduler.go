package job

// scheduler.go runs the full job on a fixed interval for the serve command.
//
// Each tick loads the window ending at the current time truncated to
// WindowAlign and reaching back Lookback. A tick that finds another run in
// progress is skipped.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Scheduler triggers scheduled runs.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	align    time.Duration
	lookback time.Duration
	now      func() time.Time
}

// NewScheduler creates a scheduler from the job settings.
func NewScheduler(orch *Orchestrator, cfg config.JobConfig) *Scheduler {
	interval := cfg.ScheduleInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		orch:     orch,
		interval: interval,
		align:    cfg.WindowAlign,
		lookback: cfg.Lookback,
		now:      time.Now,
	}
}

// ScheduledWindow returns the window a scheduled run at now loads. A zero
// lookback loads everything up to the window end.
func ScheduledWindow(now time.Time, align, lookback time.Duration) core.TimeWindow {
	end := now.UTC()
	if align > 0 {
		end = end.Truncate(align)
	}
	w := core.TimeWindow{End: end}
	if lookback > 0 {
		w.Begin = end.Add(-lookback)
	}
	return w
}

// Start runs a scheduled job immediately, then every interval, until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started",
		"interval", s.interval,
		"window_align", s.align,
		"lookback", s.lookback,
	)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one scheduled run and reports whether it ran.
func (s *Scheduler) tick(ctx context.Context) bool {
	w := ScheduledWindow(s.now(), s.align, s.lookback)
	run, err := s.orch.Run(ctx, Request{Trigger: core.TriggerScheduled, Window: w})
	if errors.Is(err, ErrBusy) {
		slog.Warn("scheduled run skipped, another run is active", "window", w.String())
		return false
	}
	slog.Info("scheduled run completed",
		"run_id", run.ID,
		"outcome", run.Outcome,
		"duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	)
	return true
}
