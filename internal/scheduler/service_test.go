package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuldlabs/skuld/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDriver(t *testing.T, at time.Time) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.SetClock(func() time.Time { return at })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(logger, Config{Interval: time.Minute, BatchSize: 10}, st, nil)
	svc.now = func() time.Time { return at }
	return svc, st
}

func seedFlag(t *testing.T, st *store.MemoryStore, name string, percentage int) {
	t.Helper()
	err := st.UpsertFlag(context.Background(), &store.Flag{
		FeatureName:       name,
		Enabled:           true,
		RolloutPercentage: percentage,
		TargetAudience:    store.AudienceAll,
		Strategy:          store.StrategyScheduled,
	})
	require.NoError(t, err)
}

func seedSchedule(t *testing.T, st *store.MemoryStore, featureName string, steps []store.ScheduleStep) *store.Schedule {
	t.Helper()
	schedule := &store.Schedule{
		FeatureName:  featureName,
		ScheduleName: "plan",
		Status:       store.ScheduleActive,
		Steps:        steps,
	}
	require.NoError(t, st.CreateSchedule(context.Background(), schedule))
	return schedule
}

func rampSteps() []store.ScheduleStep {
	return []store.ScheduleStep{
		{Percentage: 10, ExecuteAt: baseTime.Add(-3 * time.Hour)},
		{Percentage: 50, ExecuteAt: baseTime.Add(-2 * time.Hour)},
		{Percentage: 100, ExecuteAt: baseTime.Add(-1 * time.Hour)},
	}
}

func TestService_ExecutePending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("applies all overdue steps in order", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestDriver(t, baseTime)
		seedFlag(t, st, "ramp", 0)
		schedule := seedSchedule(t, st, "ramp", rampSteps())

		executed, err := svc.ExecutePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, executed)

		flag, err := st.GetFlag(ctx, "ramp")
		require.NoError(t, err)
		assert.Equal(t, 100, flag.RolloutPercentage)

		// Catch-up never skips: the audit trail shows every planned step.
		history, err := st.ListHistory(ctx, "ramp")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, 10, history[0].NewPercentage)
		assert.Equal(t, 50, history[1].NewPercentage)
		assert.Equal(t, 100, history[2].NewPercentage)

		final, err := st.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ScheduleCompleted, final.Status)
		assert.Equal(t, 3, final.CurrentStep)
		require.NotNil(t, final.CompletedAt)
	})

	t.Run("second pass is a no-op", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestDriver(t, baseTime)
		seedFlag(t, st, "ramp", 0)
		seedSchedule(t, st, "ramp", rampSteps())

		_, err := svc.ExecutePending(ctx)
		require.NoError(t, err)

		executed, err := svc.ExecutePending(ctx)
		require.NoError(t, err)
		assert.Zero(t, executed)

		history, err := st.ListHistory(ctx, "ramp")
		require.NoError(t, err)
		assert.Len(t, history, 3)
	})

	t.Run("stops at the first future step", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestDriver(t, baseTime)
		seedFlag(t, st, "ramp", 0)
		schedule := seedSchedule(t, st, "ramp", []store.ScheduleStep{
			{Percentage: 10, ExecuteAt: baseTime.Add(-time.Hour)},
			{Percentage: 50, ExecuteAt: baseTime.Add(time.Hour)},
		})

		executed, err := svc.ExecutePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, executed)

		flag, err := st.GetFlag(ctx, "ramp")
		require.NoError(t, err)
		assert.Equal(t, 10, flag.RolloutPercentage)

		mid, err := st.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, store.ScheduleActive, mid.Status)
		assert.Equal(t, 1, mid.CurrentStep)
	})

	t.Run("ignores paused schedules", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestDriver(t, baseTime)
		seedFlag(t, st, "ramp", 0)
		schedule := seedSchedule(t, st, "ramp", rampSteps())
		require.NoError(t, st.UpdateScheduleStatus(ctx, schedule.ID, store.SchedulePaused, schedule.Version))

		executed, err := svc.ExecutePending(ctx)
		require.NoError(t, err)
		assert.Zero(t, executed)

		flag, err := st.GetFlag(ctx, "ramp")
		require.NoError(t, err)
		assert.Zero(t, flag.RolloutPercentage)
	})

	t.Run("one broken schedule does not block the rest", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestDriver(t, baseTime)
		// First schedule references a flag that no longer exists.
		seedSchedule(t, st, "ghost", rampSteps())
		seedFlag(t, st, "healthy", 0)
		seedSchedule(t, st, "healthy", []store.ScheduleStep{
			{Percentage: 25, ExecuteAt: baseTime.Add(-time.Minute)},
		})

		executed, err := svc.ExecutePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, executed)

		flag, err := st.GetFlag(ctx, "healthy")
		require.NoError(t, err)
		assert.Equal(t, 25, flag.RolloutPercentage)
	})
}

func TestService_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()
	svc, _ := newTestDriver(t, baseTime)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after context cancellation")
	}
}
