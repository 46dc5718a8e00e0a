package engine

import (
	"encoding/json"
	"fmt"
)

// Cohort rule type discriminators, stored in the "type" field of the JSONB
// payload.
const (
	CohortTierIn   = "tier_in"
	CohortMinLevel = "min_level"
	CohortAllOf    = "all_of"
	CohortAnyOf    = "any_of"
)

// MaxCohortDepth bounds the nesting of composite rules. Deeply nested
// payloads indicate a malformed or adversarial definition, not a real
// targeting need.
const MaxCohortDepth = 10

// CohortRule is a compiled structured predicate over user attributes.
// Each rule kind is a concrete type, so predicate matching is exhaustive
// and statically checkable rather than a walk over untyped JSON.
type CohortRule interface {
	// Matches reports whether the user satisfies the predicate.
	Matches(user UserContext) bool
}

// TierInRule matches users whose subscription tier is in the given set.
type TierInRule struct {
	Tiers map[string]struct{}
}

// Matches implements CohortRule.
func (r *TierInRule) Matches(user UserContext) bool {
	_, ok := r.Tiers[user.Tier]
	return ok
}

// MinLevelRule matches users at or above a progression level.
type MinLevelRule struct {
	MinLevel int
}

// Matches implements CohortRule.
func (r *MinLevelRule) Matches(user UserContext) bool {
	return user.Level >= r.MinLevel
}

// AllOfRule matches when every nested rule matches (logical AND).
type AllOfRule struct {
	Rules []CohortRule
}

// Matches implements CohortRule.
func (r *AllOfRule) Matches(user UserContext) bool {
	for _, rule := range r.Rules {
		if !rule.Matches(user) {
			return false
		}
	}
	return true
}

// AnyOfRule matches when at least one nested rule matches (logical OR).
type AnyOfRule struct {
	Rules []CohortRule
}

// Matches implements CohortRule.
func (r *AnyOfRule) Matches(user UserContext) bool {
	for _, rule := range r.Rules {
		if rule.Matches(user) {
			return true
		}
	}
	return false
}

// rawCohortRule mirrors the JSONB wire format. The "type" discriminator
// selects which of the remaining fields are meaningful.
type rawCohortRule struct {
	Type     string            `json:"type"`
	Tiers    []string          `json:"tiers,omitempty"`
	MinLevel int               `json:"min_level,omitempty"`
	Rules    []json.RawMessage `json:"rules,omitempty"`
}

// CompileCohortRule parses a stored cohort payload into a typed rule tree.
// Write paths call this to reject malformed payloads before persisting;
// the evaluator calls it again at read time and fails closed on error.
func CompileCohortRule(raw json.RawMessage) (CohortRule, error) {
	return compileCohortRule(raw, 0)
}

func compileCohortRule(raw json.RawMessage, depth int) (CohortRule, error) {
	if depth > MaxCohortDepth {
		return nil, fmt.Errorf("cohort rule nesting exceeds maximum depth of %d", MaxCohortDepth)
	}

	var r rawCohortRule
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("invalid cohort rule payload: %w", err)
	}

	switch r.Type {
	case CohortTierIn:
		if len(r.Tiers) == 0 {
			return nil, fmt.Errorf("tier_in rule requires a non-empty tier list")
		}
		tiers := make(map[string]struct{}, len(r.Tiers))
		for _, t := range r.Tiers {
			tiers[t] = struct{}{}
		}
		return &TierInRule{Tiers: tiers}, nil

	case CohortMinLevel:
		if r.MinLevel < 0 {
			return nil, fmt.Errorf("min_level must be non-negative, got %d", r.MinLevel)
		}
		return &MinLevelRule{MinLevel: r.MinLevel}, nil

	case CohortAllOf, CohortAnyOf:
		if len(r.Rules) == 0 {
			return nil, fmt.Errorf("%s rule requires at least one nested rule", r.Type)
		}
		nested := make([]CohortRule, 0, len(r.Rules))
		for i, sub := range r.Rules {
			compiled, err := compileCohortRule(sub, depth+1)
			if err != nil {
				return nil, fmt.Errorf("nested rule %d: %w", i, err)
			}
			nested = append(nested, compiled)
		}
		if r.Type == CohortAllOf {
			return &AllOfRule{Rules: nested}, nil
		}
		return &AnyOfRule{Rules: nested}, nil

	default:
		// Unknown rule kinds are a hard error: accepting them would make
		// the evaluator's behavior silently undefined.
		return nil, fmt.Errorf("unknown cohort rule type %q", r.Type)
	}
}
