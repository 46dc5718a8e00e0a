package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skuldlabs/skuld/internal/store"
)

// enabledFlag returns a flag that evaluates to enabled for everyone unless
// the test mutates it.
func enabledFlag(name string) *store.Flag {
	return &store.Flag{
		ID:                1,
		FeatureName:       name,
		Enabled:           true,
		RolloutPercentage: 100,
		TargetAudience:    store.AudienceAll,
		Strategy:          store.StrategyImmediate,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	eval := NewEvaluator(nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	user := UserContext{UserID: "user-1"}

	t.Run("missing flag fails safe to disabled", func(t *testing.T) {
		t.Parallel()
		d := eval.Evaluate(nil, nil, nil, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonFlagNotFound, d.Reason)
	})

	t.Run("master switch off wins over full rollout", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.Enabled = false
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonDisabled, d.Reason)
	})

	t.Run("disabled ancestor cascades", func(t *testing.T) {
		t.Parallel()
		parent := enabledFlag("parent")
		parent.Enabled = false
		child := enabledFlag("child")
		d := eval.Evaluate(child, []*store.Flag{parent}, nil, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonParentDisabled, d.Reason)
	})

	t.Run("multi-level ancestor chain is tolerated", func(t *testing.T) {
		t.Parallel()
		grandparent := enabledFlag("grandparent")
		grandparent.Enabled = false
		parent := enabledFlag("parent")
		child := enabledFlag("child")
		d := eval.Evaluate(child, []*store.Flag{parent, grandparent}, nil, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonParentDisabled, d.Reason)
	})

	t.Run("before rollout window", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.RolloutStart = ptrTime(now.Add(time.Hour))
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.Equal(t, ReasonBeforeWindow, d.Reason)
		assert.False(t, d.Enabled)
	})

	t.Run("after rollout window", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.RolloutEnd = ptrTime(now.Add(-time.Hour))
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.Equal(t, ReasonAfterWindow, d.Reason)
	})

	t.Run("inside rollout window", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.RolloutStart = ptrTime(now.Add(-time.Hour))
		f.RolloutEnd = ptrTime(now.Add(time.Hour))
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.True(t, d.Enabled)
	})

	t.Run("premium audience gates non-premium users", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.TargetAudience = store.AudiencePremium
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.Equal(t, ReasonAudienceMismatch, d.Reason)

		d = eval.Evaluate(f, nil, nil, UserContext{UserID: "u", Premium: true}, now)
		assert.True(t, d.Enabled)
	})

	t.Run("beta audience gates non-beta users", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.TargetAudience = store.AudienceBeta
		d := eval.Evaluate(f, nil, nil, UserContext{UserID: "u", Beta: true}, now)
		assert.True(t, d.Enabled)
	})

	t.Run("cohort rules gate mismatched users", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.CohortRules = json.RawMessage(`{"type":"min_level","min_level":10}`)

		d := eval.Evaluate(f, nil, nil, UserContext{UserID: "u", Level: 3}, now)
		assert.Equal(t, ReasonCohortMismatch, d.Reason)

		d = eval.Evaluate(f, nil, nil, UserContext{UserID: "u", Level: 10}, now)
		assert.True(t, d.Enabled)
	})

	t.Run("malformed cohort rules fail closed", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.CohortRules = json.RawMessage(`{"type":"mystery"}`)
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonCohortMismatch, d.Reason)
	})

	t.Run("zero percentage admits nobody", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.RolloutPercentage = 0
		for i := 0; i < 100; i++ {
			d := eval.Evaluate(f, nil, nil, UserContext{UserID: generateRandomID()}, now)
			require.False(t, d.Enabled)
			require.Equal(t, ReasonNotInRollout, d.Reason)
		}
	})

	t.Run("variant assigned when in rollout with ab config", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.ABTest = json.RawMessage(`{"variants":[{"name":"control","weight":1},{"name":"variantA","weight":1}]}`)
		d := eval.Evaluate(f, nil, nil, user, now)
		require.True(t, d.Enabled)
		assert.Equal(t, ReasonVariantAssigned, d.Reason)
		assert.Contains(t, []string{"control", "variantA"}, d.Variant)
	})

	t.Run("malformed ab config keeps feature on without variant", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.ABTest = json.RawMessage(`{"variants":[]}`)
		d := eval.Evaluate(f, nil, nil, user, now)
		assert.True(t, d.Enabled)
		assert.Empty(t, d.Variant)
	})
}

func TestEvaluator_OverridePrecedence(t *testing.T) {
	t.Parallel()

	eval := NewEvaluator(nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	user := UserContext{UserID: "user-1"}

	t.Run("enabling override beats disabled flag at 0%", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.Enabled = false
		f.RolloutPercentage = 0
		o := &store.Override{UserID: "user-1", FeatureName: "f", Enabled: true}

		d := eval.Evaluate(f, nil, o, user, now)
		assert.True(t, d.Enabled)
		assert.Equal(t, ReasonOverride, d.Reason)
	})

	t.Run("disabling override beats fully rolled out flag", func(t *testing.T) {
		t.Parallel()
		o := &store.Override{UserID: "user-1", FeatureName: "f", Enabled: false}
		d := eval.Evaluate(enabledFlag("f"), nil, o, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonOverride, d.Reason)
	})

	t.Run("override bypasses disabled parent", func(t *testing.T) {
		t.Parallel()
		parent := enabledFlag("parent")
		parent.Enabled = false
		o := &store.Override{UserID: "user-1", FeatureName: "f", Enabled: true}
		d := eval.Evaluate(enabledFlag("f"), []*store.Flag{parent}, o, user, now)
		assert.True(t, d.Enabled)
	})

	t.Run("expired override is ignored", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.Enabled = false
		o := &store.Override{
			UserID:      "user-1",
			FeatureName: "f",
			Enabled:     true,
			ExpiresAt:   ptrTime(now.Add(-time.Minute)),
		}
		d := eval.Evaluate(f, nil, o, user, now)
		assert.False(t, d.Enabled)
		assert.Equal(t, ReasonDisabled, d.Reason)
	})

	t.Run("unexpired override is honored", func(t *testing.T) {
		t.Parallel()
		f := enabledFlag("f")
		f.Enabled = false
		o := &store.Override{
			UserID:      "user-1",
			FeatureName: "f",
			Enabled:     true,
			ExpiresAt:   ptrTime(now.Add(time.Minute)),
		}
		d := eval.Evaluate(f, nil, o, user, now)
		assert.True(t, d.Enabled)
	})
}
