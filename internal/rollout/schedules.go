package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skuldlabs/skuld/internal/store"
)

// StepInput is one planned percentage change in a schedule.
type StepInput struct {
	Percentage int
	ExecuteAt  time.Time
}

// CreateSchedule records a multi-step rollout plan for a flag. Steps must
// carry valid percentages and strictly increasing future timestamps.
// Percentages themselves may move in either direction: a schedule that
// steps a rollout back down is a legitimate plan, not an input error.
func (s *Service) CreateSchedule(ctx context.Context, featureName, scheduleName string, steps []StepInput) (*store.Schedule, error) {
	featureName = strings.ToLower(strings.TrimSpace(featureName))
	scheduleName = strings.TrimSpace(scheduleName)

	if featureName == "" {
		return nil, newValidationError("feature_name", "is required")
	}
	if scheduleName == "" {
		return nil, newValidationError("schedule_name", "is required")
	}
	if len(steps) == 0 {
		return nil, newValidationError("steps", "must contain at least one step")
	}

	now := s.now()
	for i, step := range steps {
		if step.Percentage < 0 || step.Percentage > 100 {
			return nil, newValidationError("steps", "step %d percentage must be between 0 and 100, got %d", i, step.Percentage)
		}
		if !step.ExecuteAt.After(now) {
			return nil, newValidationError("steps", "step %d execute_at must be in the future", i)
		}
		if i > 0 && !step.ExecuteAt.After(steps[i-1].ExecuteAt) {
			return nil, newValidationError("steps", "step %d execute_at must be after step %d", i, i-1)
		}
	}

	if _, err := s.store.GetFlag(ctx, featureName); err != nil {
		return nil, err
	}

	schedule := &store.Schedule{
		FeatureName:  featureName,
		ScheduleName: scheduleName,
		Status:       store.ScheduleActive,
		CurrentStep:  0,
		Steps:        make([]store.ScheduleStep, 0, len(steps)),
	}
	for _, step := range steps {
		schedule.Steps = append(schedule.Steps, store.ScheduleStep{
			Percentage: step.Percentage,
			ExecuteAt:  step.ExecuteAt.UTC(),
		})
	}

	if err := s.store.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	s.logger.Info("rollout schedule created",
		slog.String("schedule_id", schedule.ID),
		slog.String("feature_name", featureName),
		slog.String("schedule_name", scheduleName),
		slog.Int("steps", len(schedule.Steps)),
	)
	return schedule, nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Service) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedulesForFeature returns every schedule ever created for a flag,
// newest first.
func (s *Service) ListSchedulesForFeature(ctx context.Context, featureName string) ([]*store.Schedule, error) {
	return s.store.ListSchedulesByFeature(ctx, featureName)
}

// canTransition encodes the schedule lifecycle. Terminal states accept
// nothing; an active schedule pauses or cancels; a paused one resumes or
// cancels.
func canTransition(from, to store.ScheduleStatus) bool {
	switch from {
	case store.ScheduleActive:
		return to == store.SchedulePaused || to == store.ScheduleCancelled
	case store.SchedulePaused:
		return to == store.ScheduleActive || to == store.ScheduleCancelled
	default:
		return false
	}
}

// UpdateScheduleStatus moves a schedule through its lifecycle: pause,
// resume, or cancel. Completion is never set here; only the schedule
// driver marks a schedule completed, by executing its final step.
func (s *Service) UpdateScheduleStatus(ctx context.Context, id string, status store.ScheduleStatus) (*store.Schedule, error) {
	if !status.Valid() {
		return nil, newValidationError("status", "unknown status %q", status)
	}
	if status == store.ScheduleCompleted {
		return nil, &TransitionError{From: "", To: store.ScheduleCompleted}
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		schedule, err := s.store.GetSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		if schedule.Status == status {
			return schedule, nil
		}
		if !canTransition(schedule.Status, status) {
			return nil, &TransitionError{From: schedule.Status, To: status}
		}

		err = s.store.UpdateScheduleStatus(ctx, id, status, schedule.Version)
		if err == nil {
			s.logger.Info("schedule status updated",
				slog.String("schedule_id", id),
				slog.String("from", string(schedule.Status)),
				slog.String("to", string(status)),
			)
			return s.store.GetSchedule(ctx, id)
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("schedule status update lost %d races: %w", s.conflictRetries, lastErr)
}
