package rollout

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuldlabs/skuld/internal/engine"
	"github.com/skuldlabs/skuld/internal/store"
)

func ptrTime(t time.Time) *time.Time { return &t }

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(logger, st, Options{}), st
}

func mustUpsert(t *testing.T, svc *Service, in FlagInput) *store.Flag {
	t.Helper()
	flag, err := svc.UpsertFlag(context.Background(), in)
	require.NoError(t, err)
	return flag
}

func TestService_UpsertFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		flag := mustUpsert(t, svc, FlagInput{FeatureName: "  New-Feature  "})

		assert.Equal(t, "new-feature", flag.FeatureName)
		assert.Equal(t, store.AudienceAll, flag.TargetAudience)
		assert.Equal(t, store.StrategyImmediate, flag.Strategy)
		assert.False(t, flag.Enabled)
		assert.Zero(t, flag.RolloutPercentage)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		tests := []struct {
			name  string
			in    FlagInput
			field string
		}{
			{"empty name", FlagInput{}, "feature_name"},
			{"bad characters", FlagInput{FeatureName: "no spaces!"}, "feature_name"},
			{"percentage too high", FlagInput{FeatureName: "f", RolloutPercentage: 150}, "rollout_percentage"},
			{"percentage negative", FlagInput{FeatureName: "f", RolloutPercentage: -1}, "rollout_percentage"},
			{"unknown audience", FlagInput{FeatureName: "f", TargetAudience: "vip"}, "target_audience"},
			{"unknown strategy", FlagInput{FeatureName: "f", Strategy: "yolo"}, "rollout_strategy"},
			{"inverted window", FlagInput{
				FeatureName:  "f",
				RolloutStart: ptrTime(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
				RolloutEnd:   ptrTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			}, "rollout_end"},
			{"bad cohort rules", FlagInput{FeatureName: "f", CohortRules: []byte(`{"type":"nope"}`)}, "cohort_rules"},
			{"bad ab test", FlagInput{FeatureName: "f", ABTest: []byte(`{"variants":[]}`)}, "ab_test"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.UpsertFlag(ctx, tt.in)
				require.Error(t, err)
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.field, ve.Field)
			})
		}
	})

	t.Run("resolves parent by name", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		parent := mustUpsert(t, svc, FlagInput{FeatureName: "suite"})
		child := mustUpsert(t, svc, FlagInput{FeatureName: "suite-search", ParentFeatureName: "suite"})

		require.NotNil(t, child.ParentID)
		assert.Equal(t, parent.ID, *child.ParentID)
	})

	t.Run("missing parent", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		_, err := svc.UpsertFlag(ctx, FlagInput{FeatureName: "orphan", ParentFeatureName: "ghost"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rejects self parent", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		mustUpsert(t, svc, FlagInput{FeatureName: "loop"})
		_, err := svc.UpsertFlag(ctx, FlagInput{FeatureName: "loop", ParentFeatureName: "loop"})
		assert.True(t, IsCycle(err))
	})

	t.Run("rejects two flag cycle", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		mustUpsert(t, svc, FlagInput{FeatureName: "a"})
		mustUpsert(t, svc, FlagInput{FeatureName: "b", ParentFeatureName: "a"})

		_, err := svc.UpsertFlag(ctx, FlagInput{FeatureName: "a", ParentFeatureName: "b"})
		assert.True(t, IsCycle(err))
	})
}

func TestService_SetRolloutPercentage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("records audit entry", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "checkout", RolloutPercentage: 10})

		require.NoError(t, svc.SetRolloutPercentage(ctx, "checkout", 25, "gradual ramp"))

		flag, err := svc.GetFlag(ctx, "checkout")
		require.NoError(t, err)
		assert.Equal(t, 25, flag.RolloutPercentage)

		history, err := svc.GetRolloutHistory(ctx, "checkout")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, 10, history[0].OldPercentage)
		assert.Equal(t, 25, history[0].NewPercentage)
		assert.Equal(t, "gradual ramp", history[0].ChangeReason)
	})

	t.Run("out of range leaves flag untouched", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "checkout", RolloutPercentage: 10})

		err := svc.SetRolloutPercentage(ctx, "checkout", 150, "oops")
		assert.True(t, IsValidation(err))

		flag, err := svc.GetFlag(ctx, "checkout")
		require.NoError(t, err)
		assert.Equal(t, 10, flag.RolloutPercentage)

		history, err := svc.GetRolloutHistory(ctx, "checkout")
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("missing flag", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		err := svc.SetRolloutPercentage(ctx, "ghost", 50, "ramp")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("estimates impact from known users", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "checkout"})

		// Ten distinct users are known to the system through overrides.
		for _, id := range []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9", "u10"} {
			_, err := svc.SetUserOverride(ctx, id, "checkout", true, "qa", nil)
			require.NoError(t, err)
		}

		require.NoError(t, svc.SetRolloutPercentage(ctx, "checkout", 50, "half"))

		history, err := svc.GetRolloutHistory(ctx, "checkout")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, 5, history[0].UserImpactEstimate)
	})
}

func TestService_BulkSetRolloutPercentage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("isolates per flag failures", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "a"})
		mustUpsert(t, svc, FlagInput{FeatureName: "b"})

		result, err := svc.BulkSetRolloutPercentage(ctx, []string{"a", "missing", "b"}, 30, "bulk ramp")
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b"}, result.Succeeded)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, "missing", result.Failed[0].FeatureName)

		for _, name := range []string{"a", "b"} {
			flag, err := svc.GetFlag(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, 30, flag.RolloutPercentage)
		}
	})

	t.Run("range validated once up front", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "a", RolloutPercentage: 5})

		_, err := svc.BulkSetRolloutPercentage(ctx, []string{"a"}, 120, "bad")
		assert.True(t, IsValidation(err))

		flag, err := svc.GetFlag(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 5, flag.RolloutPercentage)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		_, err := svc.BulkSetRolloutPercentage(ctx, nil, 30, "noop")
		assert.True(t, IsValidation(err))
	})
}

func TestService_ToggleParentAndChildren(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)

	mustUpsert(t, svc, FlagInput{FeatureName: "suite", Enabled: true})
	mustUpsert(t, svc, FlagInput{FeatureName: "suite-search", ParentFeatureName: "suite", Enabled: true})
	mustUpsert(t, svc, FlagInput{FeatureName: "suite-export", ParentFeatureName: "suite", Enabled: true})
	mustUpsert(t, svc, FlagInput{FeatureName: "unrelated", Enabled: true})

	affected, err := svc.ToggleParentAndChildren(ctx, "suite", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"suite", "suite-search", "suite-export"}, affected)

	for _, name := range []string{"suite", "suite-search", "suite-export"} {
		flag, err := svc.GetFlag(ctx, name)
		require.NoError(t, err)
		assert.False(t, flag.Enabled, name)
	}

	other, err := svc.GetFlag(ctx, "unrelated")
	require.NoError(t, err)
	assert.True(t, other.Enabled)
}

func TestService_DeleteFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)

	mustUpsert(t, svc, FlagInput{FeatureName: "suite"})
	mustUpsert(t, svc, FlagInput{FeatureName: "suite-search", ParentFeatureName: "suite"})

	// Children block the parent delete.
	err := svc.DeleteFlag(ctx, "suite")
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, svc.DeleteFlag(ctx, "suite-search"))
	require.NoError(t, svc.DeleteFlag(ctx, "suite"))

	_, err = svc.GetFlag(ctx, "suite")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_Overrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("requires existing flag", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		_, err := svc.SetUserOverride(ctx, "u1", "ghost", true, "qa", nil)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rejects past expiry", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "beta-ui"})

		past := time.Now().Add(-time.Hour)
		_, err := svc.SetUserOverride(ctx, "u1", "beta-ui", true, "qa", &past)
		assert.True(t, IsValidation(err))
	})

	t.Run("override wins over evaluation", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "beta-ui"}) // disabled, 0%

		_, err := svc.SetUserOverride(ctx, "u1", "beta-ui", true, "dogfooding", nil)
		require.NoError(t, err)

		decision, err := svc.EvaluateFlag(ctx, "beta-ui", engine.UserContext{UserID: "u1"})
		require.NoError(t, err)
		assert.True(t, decision.Enabled)
		assert.Equal(t, engine.ReasonOverride, decision.Reason)

		require.NoError(t, svc.RemoveUserOverride(ctx, "u1", "beta-ui"))

		decision, err = svc.EvaluateFlag(ctx, "beta-ui", engine.UserContext{UserID: "u1"})
		require.NoError(t, err)
		assert.False(t, decision.Enabled)
		assert.Equal(t, engine.ReasonDisabled, decision.Reason)
	})
}

func TestService_EvaluateFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown flag fails safe", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		decision, err := svc.EvaluateFlag(ctx, "ghost", engine.UserContext{UserID: "u1"})
		require.NoError(t, err)
		assert.False(t, decision.Enabled)
		assert.Equal(t, engine.ReasonFlagNotFound, decision.Reason)
	})

	t.Run("disabled parent gates child", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		mustUpsert(t, svc, FlagInput{FeatureName: "suite", Enabled: false})
		mustUpsert(t, svc, FlagInput{
			FeatureName:       "suite-search",
			ParentFeatureName: "suite",
			Enabled:           true,
			RolloutPercentage: 100,
		})

		decision, err := svc.EvaluateFlag(ctx, "suite-search", engine.UserContext{UserID: "u1"})
		require.NoError(t, err)
		assert.False(t, decision.Enabled)
		assert.Equal(t, engine.ReasonParentDisabled, decision.Reason)
	})

	t.Run("full rollout enables everyone", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		mustUpsert(t, svc, FlagInput{FeatureName: "live", Enabled: true, RolloutPercentage: 100})

		for _, id := range []string{"alpha", "beta", "gamma"} {
			decision, err := svc.EvaluateFlag(ctx, "live", engine.UserContext{UserID: id})
			require.NoError(t, err)
			assert.True(t, decision.Enabled, id)
		}
	})
}

func TestService_Schedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	threeSteps := []StepInput{
		{Percentage: 10, ExecuteAt: base},
		{Percentage: 50, ExecuteAt: base.Add(time.Hour)},
		{Percentage: 100, ExecuteAt: base.Add(2 * time.Hour)},
	}

	t.Run("creates active schedule", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "ramp"})

		schedule, err := svc.CreateSchedule(ctx, "ramp", "q3-launch", threeSteps)
		require.NoError(t, err)
		assert.NotEmpty(t, schedule.ID)
		assert.Equal(t, store.ScheduleActive, schedule.Status)
		assert.Zero(t, schedule.CurrentStep)
		assert.Len(t, schedule.Steps, 3)
	})

	t.Run("allows decreasing percentages", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "wind-down", RolloutPercentage: 100})

		_, err := svc.CreateSchedule(ctx, "wind-down", "phase-out", []StepInput{
			{Percentage: 50, ExecuteAt: base},
			{Percentage: 0, ExecuteAt: base.Add(time.Hour)},
		})
		assert.NoError(t, err)
	})

	t.Run("rejects malformed plans", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		mustUpsert(t, svc, FlagInput{FeatureName: "ramp"})

		tests := []struct {
			name  string
			steps []StepInput
		}{
			{"no steps", nil},
			{"percentage out of range", []StepInput{{Percentage: 101, ExecuteAt: base}}},
			{"step in the past", []StepInput{{Percentage: 10, ExecuteAt: time.Now().Add(-time.Minute)}}},
			{"timestamps not increasing", []StepInput{
				{Percentage: 10, ExecuteAt: base.Add(time.Hour)},
				{Percentage: 50, ExecuteAt: base},
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.CreateSchedule(ctx, "ramp", "bad-plan", tt.steps)
				assert.True(t, IsValidation(err), "expected validation error, got %v", err)
			})
		}
	})

	t.Run("requires existing flag", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		_, err := svc.CreateSchedule(ctx, "ghost", "plan", threeSteps)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestService_UpdateScheduleStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newSchedule := func(t *testing.T, svc *Service) *store.Schedule {
		t.Helper()
		mustUpsert(t, svc, FlagInput{FeatureName: "ramp"})
		schedule, err := svc.CreateSchedule(ctx, "ramp", "plan", []StepInput{
			{Percentage: 50, ExecuteAt: time.Now().Add(time.Hour)},
		})
		require.NoError(t, err)
		return schedule
	}

	t.Run("pause and resume", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		schedule := newSchedule(t, svc)

		paused, err := svc.UpdateScheduleStatus(ctx, schedule.ID, store.SchedulePaused)
		require.NoError(t, err)
		assert.Equal(t, store.SchedulePaused, paused.Status)

		resumed, err := svc.UpdateScheduleStatus(ctx, schedule.ID, store.ScheduleActive)
		require.NoError(t, err)
		assert.Equal(t, store.ScheduleActive, resumed.Status)
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		schedule := newSchedule(t, svc)

		_, err := svc.UpdateScheduleStatus(ctx, schedule.ID, store.ScheduleCancelled)
		require.NoError(t, err)

		_, err = svc.UpdateScheduleStatus(ctx, schedule.ID, store.ScheduleActive)
		assert.True(t, IsTransition(err))
	})

	t.Run("completed is never set by hand", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		schedule := newSchedule(t, svc)

		_, err := svc.UpdateScheduleStatus(ctx, schedule.ID, store.ScheduleCompleted)
		assert.True(t, IsTransition(err))
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		schedule := newSchedule(t, svc)

		got, err := svc.UpdateScheduleStatus(ctx, schedule.ID, store.ScheduleActive)
		require.NoError(t, err)
		assert.Equal(t, schedule.Version, got.Version)
	})

	t.Run("unknown schedule", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)

		_, err := svc.UpdateScheduleStatus(ctx, "no-such-id", store.SchedulePaused)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
