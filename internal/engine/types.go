// Package engine provides the core logic for feature flag evaluation:
// deterministic rollout bucketing, cohort predicates, A/B variant
// assignment, and the decision pipeline that combines them with flag
// hierarchy, scheduling windows, and per-user overrides.
package engine

// UserContext represents the input data regarding the entity requesting
// the flag.
type UserContext struct {
	// UserID is the primary identifier for the user. It is required for
	// percentage rollouts and variant assignment.
	UserID string `json:"user_id"`

	// Premium and Beta mark membership in the coarse target audiences.
	Premium bool `json:"premium"`
	Beta    bool `json:"beta"`

	// Tier is the subscription tier (e.g. "free", "premium", "pro"),
	// matched by tier_in cohort rules.
	Tier string `json:"tier,omitempty"`

	// Level is the user's progression level, matched by min_level rules.
	Level int `json:"level,omitempty"`

	// Attributes is a flexible map for arbitrary targeting data, keeping
	// the engine forward-compatible with new rule kinds.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Decision is the outcome of evaluating one flag for one user.
type Decision struct {
	Enabled bool `json:"enabled"`

	// Variant is the assigned A/B variant name, set only when the flag is
	// enabled and carries an A/B configuration.
	Variant string `json:"variant,omitempty"`

	// Reason is a machine-readable explanation of the decision, useful for
	// debugging and for metrics labels.
	Reason string `json:"reason"`
}

// Decision reasons. Exactly one is attached to every evaluation.
const (
	ReasonOverride         = "OVERRIDE"
	ReasonFlagNotFound     = "FLAG_NOT_FOUND"
	ReasonDisabled         = "DISABLED"
	ReasonParentDisabled   = "PARENT_DISABLED"
	ReasonBeforeWindow     = "BEFORE_WINDOW"
	ReasonAfterWindow      = "AFTER_WINDOW"
	ReasonAudienceMismatch = "AUDIENCE_MISMATCH"
	ReasonCohortMismatch   = "COHORT_MISMATCH"
	ReasonNotInRollout     = "NOT_IN_ROLLOUT"
	ReasonInRollout        = "IN_ROLLOUT"
	ReasonVariantAssigned  = "VARIANT_ASSIGNED"
)
