// Package store provides the data access layer for the Skuld flag engine.
// It handles all direct interactions with the PostgreSQL database using the
// pgx driver, and ships an in-memory implementation for unit testing.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by every Store implementation. Callers branch on
// these with errors.Is; the wrapped message carries entity context.
var (
	// ErrNotFound indicates the referenced flag, schedule, or override does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conditional write lost a race: the version or
	// step cursor no longer matched at commit time. Callers may retry the
	// read-modify-write cycle.
	ErrConflict = errors.New("conflict: concurrent modification detected")
)

// Audience is the coarse eligibility filter evaluated before percentage
// bucketing.
type Audience string

const (
	AudienceAll     Audience = "all"
	AudiencePremium Audience = "premium"
	AudienceBeta    Audience = "beta"
)

// Valid reports whether the audience is one of the known values.
func (a Audience) Valid() bool {
	switch a {
	case AudienceAll, AudiencePremium, AudienceBeta:
		return true
	}
	return false
}

// Strategy documents the intended progression mode of a flag. Gradual and
// scheduled flags are expected to have an associated Schedule.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyGradual   Strategy = "gradual"
	StrategyScheduled Strategy = "scheduled"
)

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyGradual, StrategyScheduled:
		return true
	}
	return false
}

// Flag represents the database schema for a feature flag.
// It mirrors the 'flags' table structure.
type Flag struct {
	ID          int64  `db:"id" json:"id"`
	FeatureName string `db:"feature_name" json:"feature_name"`
	Description string `db:"description" json:"description"`

	// Enabled is the master switch. If false, the feature is off regardless
	// of percentage, cohort, or schedule.
	Enabled bool `db:"enabled" json:"enabled"`

	// RolloutPercentage is the fraction (0-100) of eligible users who see
	// the feature. The range is enforced by a CHECK constraint and again at
	// the service boundary.
	RolloutPercentage int `db:"rollout_percentage" json:"rollout_percentage"`

	TargetAudience Audience `db:"target_audience" json:"target_audience"`

	// CohortRules is the optional structured predicate, stored as JSONB.
	// The engine compiles it into typed rule values before evaluation.
	CohortRules json.RawMessage `db:"cohort_rules" json:"cohort_rules,omitempty"`

	// ABTest is the optional variant configuration, stored as JSONB.
	ABTest json.RawMessage `db:"ab_test" json:"ab_test,omitempty"`

	Strategy Strategy `db:"rollout_strategy" json:"rollout_strategy"`

	// RolloutStart / RolloutEnd bound the active window. Outside it the
	// flag evaluates as disabled even when Enabled is true.
	RolloutStart *time.Time `db:"rollout_start" json:"rollout_start,omitempty"`
	RolloutEnd   *time.Time `db:"rollout_end" json:"rollout_end,omitempty"`

	// ParentID establishes hierarchy: the flag is effectively enabled only
	// if every ancestor up to the root is enabled as well.
	ParentID *int64 `db:"parent_feature_id" json:"parent_feature_id,omitempty"`

	// Version is the monotonic counter for optimistic locking.
	Version int64 `db:"version" json:"version"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HistoryEntry is an immutable record of a rollout-percentage change.
// Append-only per flag; never mutated or deleted by the engine.
type HistoryEntry struct {
	ID                 int64     `db:"id" json:"id"`
	FeatureName        string    `db:"feature_name" json:"feature_name"`
	OldPercentage      int       `db:"old_percentage" json:"old_percentage"`
	NewPercentage      int       `db:"new_percentage" json:"new_percentage"`
	ChangeReason       string    `db:"change_reason" json:"change_reason"`
	UserImpactEstimate int       `db:"user_impact_estimate" json:"user_impact_estimate"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// ScheduleStatus is the lifecycle state of a rollout schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Valid reports whether the status is one of the known values.
func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleActive, SchedulePaused, ScheduleCompleted, ScheduleCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleCancelled
}

// ScheduleStep is one timed percentage change within a schedule.
// The slice is stored as a JSONB column, sorted ascending by ExecuteAt.
type ScheduleStep struct {
	Percentage int       `json:"percentage"`
	ExecuteAt  time.Time `json:"execute_at"`
	Executed   bool      `json:"executed"`
}

// Schedule is an ordered list of timed percentage steps for one flag.
type Schedule struct {
	ID           string         `db:"id" json:"id"`
	FeatureName  string         `db:"feature_name" json:"feature_name"`
	ScheduleName string         `db:"schedule_name" json:"schedule_name"`
	Status       ScheduleStatus `db:"status" json:"status"`

	// CurrentStep indexes into Steps. It only ever advances; pausing or
	// cancelling freezes it in place.
	CurrentStep int            `db:"current_step" json:"current_step"`
	Steps       []ScheduleStep `db:"steps" json:"steps"`

	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	// Version guards status transitions against concurrent writers.
	Version int64 `db:"version" json:"version"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Override is a per-user, per-feature manual decision that bypasses all
// flag-level computation. At most one row exists per (user, feature) pair.
type Override struct {
	UserID      string     `db:"user_id" json:"user_id"`
	FeatureName string     `db:"feature_name" json:"feature_name"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	Reason      string     `db:"reason" json:"reason"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the override is past its expiry at the given time.
// An override without ExpiresAt never expires.
func (o *Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// ListFilter narrows and paginates flag listings.
type ListFilter struct {
	// Audience filters by target audience when non-empty.
	Audience Audience

	Limit  int
	Offset int
}
