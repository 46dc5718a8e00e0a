package store

import (
	"context"
)

// Store defines the persistence contract for the flag engine.
// Using an interface allows dependency injection: production code wires the
// PostgreSQL implementation, unit tests wire the in-memory one.
type Store interface {
	// --- Flags ---

	// UpsertFlag inserts the flag or, when a flag with the same
	// feature_name already exists, updates its definition. The struct is
	// populated with the server-generated ID, version, and timestamps.
	UpsertFlag(ctx context.Context, f *Flag) error

	// GetFlag retrieves a flag by its feature name.
	// Returns ErrNotFound if no such flag exists.
	GetFlag(ctx context.Context, featureName string) (*Flag, error)

	// GetFlagByID retrieves a flag by its surrogate key.
	GetFlagByID(ctx context.Context, id int64) (*Flag, error)

	// ListFlags retrieves a filtered, paginated list of flags plus the
	// total count of matching records, ordered by feature name.
	ListFlags(ctx context.Context, filter ListFilter) ([]*Flag, int64, error)

	// ListChildren returns the direct children of the given flag.
	ListChildren(ctx context.Context, parentID int64) ([]*Flag, error)

	// SetEnabled flips the master switch of a single flag.
	SetEnabled(ctx context.Context, featureName string, enabled bool) error

	// SetEnabledCascade sets Enabled on the named flag and every direct
	// child in one transaction. Either all rows update or none do.
	// It returns the feature names that were updated.
	SetEnabledCascade(ctx context.Context, featureName string, enabled bool) ([]string, error)

	// SetRolloutPercentage applies a percentage change together with its
	// history entry in one transaction, conditional on the flag's version.
	// Returns ErrConflict when the version no longer matches and
	// ErrNotFound when the flag does not exist.
	SetRolloutPercentage(ctx context.Context, featureName string, percentage int, expectedVersion int64, entry *HistoryEntry) error

	// DeleteFlag removes a flag. It fails with ErrConflict while children
	// still reference the flag (deletion never cascades silently).
	DeleteFlag(ctx context.Context, featureName string) error

	// --- History ---

	// ListHistory returns the append-only percentage-change records for a
	// flag, ordered ascending by creation time.
	ListHistory(ctx context.Context, featureName string) ([]*HistoryEntry, error)

	// --- Schedules ---

	// CreateSchedule persists a new schedule. The struct is populated with
	// server-generated timestamps.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)

	// ListSchedulesByFeature returns all schedules targeting a flag,
	// newest first.
	ListSchedulesByFeature(ctx context.Context, featureName string) ([]*Schedule, error)

	// ListActiveSchedules returns schedules in the active state, up to
	// limit, for the driver to examine. Due-ness is decided by the caller.
	ListActiveSchedules(ctx context.Context, limit int) ([]*Schedule, error)

	// UpdateScheduleStatus transitions a schedule's status, conditional on
	// its version. State-machine legality is the service's concern; the
	// store only guarantees the conditional write.
	UpdateScheduleStatus(ctx context.Context, id string, status ScheduleStatus, expectedVersion int64) error

	// ExecuteScheduleStep atomically applies one due step: it writes the
	// flag's new percentage, appends the history entry, and persists the
	// advanced schedule (steps, current_step, status, completed_at) -- all
	// in one transaction, conditional on the schedule's current_step still
	// being expectedStep. A lost race returns ErrConflict and leaves the
	// flag and history untouched.
	ExecuteScheduleStep(ctx context.Context, s *Schedule, expectedStep int, entry *HistoryEntry) error

	// --- Overrides ---

	// UpsertOverride inserts or replaces the override for the
	// (user, feature) pair.
	UpsertOverride(ctx context.Context, o *Override) error

	// GetOverride retrieves the override for the pair, expired or not.
	// Expiry is an evaluation-time concern. Returns ErrNotFound when no
	// row exists.
	GetOverride(ctx context.Context, userID, featureName string) (*Override, error)

	// DeleteOverride removes the override for the pair.
	DeleteOverride(ctx context.Context, userID, featureName string) error

	// CountKnownUsers returns the size of the user population the engine
	// can observe. Used only for advisory impact estimates.
	CountKnownUsers(ctx context.Context) (int64, error)
}
