// Package scheduler implements the background driver that executes
// rollout schedules: a polling worker that finds active schedules with
// due steps and applies each step as an atomic, audited percentage change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skuldlabs/skuld/internal/observability"
	"github.com/skuldlabs/skuld/internal/rollout"
	"github.com/skuldlabs/skuld/internal/store"
)

// Config holds the driver's tunables.
type Config struct {
	// Interval is the duration between polling cycles.
	Interval time.Duration
	// BatchSize caps the number of active schedules loaded per cycle.
	BatchSize int
	// MaxStepsPerSchedule bounds the catch-up loop for one schedule in a
	// single pass. Remaining due steps roll over to the next pass.
	MaxStepsPerSchedule int
}

// Service polls for due schedule steps and applies them.
type Service struct {
	logger      *slog.Logger
	config      Config
	store       store.Store
	invalidator rollout.Invalidator
	now         func() time.Time
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, string) error { return nil }

// New creates the scheduler driver. The invalidator may be nil when no
// cache sits in front of the store.
func New(logger *slog.Logger, cfg Config, st store.Store, invalidator rollout.Invalidator) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if st == nil {
		panic("scheduler: store cannot be nil")
	}
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxStepsPerSchedule < 1 {
		cfg.MaxStepsPerSchedule = 50
	}

	return &Service{
		logger:      logger,
		config:      cfg,
		store:       st,
		invalidator: invalidator,
		now:         time.Now,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting schedule driver", slog.String("interval", s.config.Interval.String()))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run once immediately so a restart picks up overdue steps without
	// waiting a full interval.
	if _, err := s.ExecutePending(ctx); err != nil {
		s.logger.Error("initial schedule pass failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedule driver stopping...")
			return nil
		case <-ticker.C:
			if _, err := s.ExecutePending(ctx); err != nil {
				// Log and keep the worker alive; next tick retries.
				s.logger.Error("schedule pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ExecutePending performs a single pass over active schedules and applies
// every step that is due. It returns the number of steps executed. A
// failure on one schedule never blocks the others.
func (s *Service) ExecutePending(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		observability.ScheduleCycleDuration.Observe(time.Since(start).Seconds())
	}()

	schedules, err := s.store.ListActiveSchedules(ctx, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing active schedules: %w", err)
	}

	executed := 0
	for _, schedule := range schedules {
		n, err := s.advance(ctx, schedule)
		executed += n
		if err != nil {
			s.logger.Error("schedule advance failed",
				slog.String("schedule_id", schedule.ID),
				slog.String("feature_name", schedule.FeatureName),
				slog.String("error", err.Error()),
			)
		}
	}

	if executed > 0 {
		s.logger.Info("schedule pass completed",
			slog.Int("steps_executed", executed),
			slog.String("duration", time.Since(start).String()),
		)
	}
	return executed, nil
}

// advance applies the due steps of one schedule in order, never skipping:
// a driver that was down across several execute_at timestamps catches up
// step by step so the audit trail reflects every planned change. The loop
// stops at the first future step, at a terminal status, or on error.
func (s *Service) advance(ctx context.Context, schedule *store.Schedule) (int, error) {
	executed := 0
	now := s.now()

	for schedule.Status == store.ScheduleActive && schedule.CurrentStep < len(schedule.Steps) && executed < s.config.MaxStepsPerSchedule {
		step := schedule.Steps[schedule.CurrentStep]
		if step.ExecuteAt.After(now) {
			break
		}

		flag, err := s.store.GetFlag(ctx, schedule.FeatureName)
		if err != nil {
			return executed, fmt.Errorf("loading flag %q: %w", schedule.FeatureName, err)
		}

		expectedStep := schedule.CurrentStep
		entry := &store.HistoryEntry{
			FeatureName:   schedule.FeatureName,
			OldPercentage: flag.RolloutPercentage,
			NewPercentage: step.Percentage,
			ChangeReason:  fmt.Sprintf("schedule %q step %d of %d", schedule.ScheduleName, expectedStep+1, len(schedule.Steps)),
		}

		schedule.Steps[schedule.CurrentStep].Executed = true
		schedule.CurrentStep++
		if schedule.CurrentStep == len(schedule.Steps) {
			schedule.Status = store.ScheduleCompleted
			completedAt := now
			schedule.CompletedAt = &completedAt
		}

		if err := s.store.ExecuteScheduleStep(ctx, schedule, expectedStep, entry); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another driver instance won the race for this step.
				// Not an error condition; that instance carries on.
				observability.ScheduleStepsTotal.WithLabelValues("conflict").Inc()
				s.logger.Debug("schedule step already taken",
					slog.String("schedule_id", schedule.ID),
					slog.Int("step", expectedStep),
				)
				return executed, nil
			}
			observability.ScheduleStepsTotal.WithLabelValues("fail").Inc()
			return executed, fmt.Errorf("executing step %d: %w", expectedStep, err)
		}

		observability.ScheduleStepsTotal.WithLabelValues("executed").Inc()
		executed++

		if err := s.invalidator.Invalidate(ctx, schedule.FeatureName); err != nil {
			s.logger.Warn("cache invalidation failed",
				slog.String("feature_name", schedule.FeatureName),
				slog.String("error", err.Error()),
			)
		}

		s.logger.Info("schedule step executed",
			slog.String("schedule_id", schedule.ID),
			slog.String("feature_name", schedule.FeatureName),
			slog.Int("step", expectedStep+1),
			slog.Int("percentage", step.Percentage),
			slog.String("status", string(schedule.Status)),
		)
	}
	return executed, nil
}
