package engine

import (
	"log/slog"
	"time"

	"github.com/skuldlabs/skuld/internal/store"
)

// Evaluator combines a flag definition, its ancestor chain, and an optional
// user override into a single enabled/disabled decision.
//
// Evaluation is pure computation over its inputs: no I/O, no stored state.
// The only side effect is a warning log when a stored rule payload turns
// out to be malformed, in which case the evaluator fails closed.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. If logger is nil, it defaults to
// slog.Default().
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate runs the decision pipeline, short-circuiting on the first
// disabling condition:
//
//  1. An unexpired override wins outright, bypassing hierarchy and windows.
//  2. The flag's own master switch.
//  3. Every ancestor's master switch (hierarchy cascade). The data model
//     only promises one level of nesting, but the walk tolerates arbitrary
//     chains.
//  4. The rollout start/end window.
//  5. The coarse target audience.
//  6. Cohort rules.
//  7. Rollout-percentage bucketing.
//  8. A/B variant assignment, when configured.
func (e *Evaluator) Evaluate(flag *store.Flag, ancestors []*store.Flag, override *store.Override, user UserContext, now time.Time) Decision {
	if flag == nil {
		// A missing flag most plausibly means the feature was never rolled
		// out; the fail-safe answer is off, never an error.
		return Decision{Enabled: false, Reason: ReasonFlagNotFound}
	}

	if override != nil && !override.Expired(now) {
		return Decision{Enabled: override.Enabled, Reason: ReasonOverride}
	}

	if !flag.Enabled {
		return Decision{Enabled: false, Reason: ReasonDisabled}
	}

	for _, ancestor := range ancestors {
		if ancestor != nil && !ancestor.Enabled {
			return Decision{Enabled: false, Reason: ReasonParentDisabled}
		}
	}

	if flag.RolloutStart != nil && now.Before(*flag.RolloutStart) {
		return Decision{Enabled: false, Reason: ReasonBeforeWindow}
	}
	if flag.RolloutEnd != nil && now.After(*flag.RolloutEnd) {
		return Decision{Enabled: false, Reason: ReasonAfterWindow}
	}

	if !matchesAudience(flag.TargetAudience, user) {
		return Decision{Enabled: false, Reason: ReasonAudienceMismatch}
	}

	if len(flag.CohortRules) > 0 {
		rule, err := CompileCohortRule(flag.CohortRules)
		if err != nil {
			// Fail closed: a flag whose targeting we cannot interpret must
			// not leak to users it was never meant for.
			e.logger.Warn("malformed cohort rules, failing closed",
				slog.String("feature_name", flag.FeatureName),
				slog.String("error", err.Error()),
			)
			return Decision{Enabled: false, Reason: ReasonCohortMismatch}
		}
		if !rule.Matches(user) {
			return Decision{Enabled: false, Reason: ReasonCohortMismatch}
		}
	}

	if !InRollout(user.UserID, flag.FeatureName, flag.RolloutPercentage) {
		return Decision{Enabled: false, Reason: ReasonNotInRollout}
	}

	if len(flag.ABTest) > 0 {
		cfg, err := ParseABTest(flag.ABTest)
		if err != nil {
			// The user is in rollout; a broken experiment config costs the
			// variant label, not the feature.
			e.logger.Warn("malformed ab test config, skipping variant assignment",
				slog.String("feature_name", flag.FeatureName),
				slog.String("error", err.Error()),
			)
			return Decision{Enabled: true, Reason: ReasonInRollout}
		}
		return Decision{
			Enabled: true,
			Variant: cfg.Assign(user.UserID, flag.FeatureName),
			Reason:  ReasonVariantAssigned,
		}
	}

	return Decision{Enabled: true, Reason: ReasonInRollout}
}

// matchesAudience checks the coarse eligibility filter.
func matchesAudience(audience store.Audience, user UserContext) bool {
	switch audience {
	case store.AudiencePremium:
		return user.Premium
	case store.AudienceBeta:
		return user.Beta
	default:
		// "all" and unknown values gate nobody out; unknown values are
		// rejected at write time.
		return true
	}
}
