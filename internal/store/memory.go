package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time check to verify that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex-guarded in-memory implementation of Store.
// It honors the same conditional-write and cascade-atomicity semantics as
// the PostgreSQL implementation, which makes it a faithful substitute in
// unit tests for the engine, service, and scheduler packages.
type MemoryStore struct {
	mu sync.Mutex

	nextFlagID int64
	flags      map[string]*Flag // keyed by feature name
	history    []*HistoryEntry
	schedules  map[string]*Schedule
	overrides  map[string]*Override // keyed by userID + "\x00" + featureName
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextFlagID: 1,
		flags:      make(map[string]*Flag),
		schedules:  make(map[string]*Schedule),
		overrides:  make(map[string]*Override),
		now:        time.Now,
	}
}

// SetClock replaces the store's wall clock. Tests use it to control the
// timestamps assigned to writes.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func overrideKey(userID, featureName string) string {
	return userID + "\x00" + featureName
}

func copyFlag(f *Flag) *Flag {
	cp := *f
	return &cp
}

func copySchedule(s *Schedule) *Schedule {
	cp := *s
	cp.Steps = append([]ScheduleStep(nil), s.Steps...)
	return &cp
}

// UpsertFlag inserts or replaces the flag definition, keyed by feature name.
func (m *MemoryStore) UpsertFlag(_ context.Context, f *Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.flags[f.FeatureName]; ok {
		f.ID = existing.ID
		f.Version = existing.Version + 1
		f.CreatedAt = existing.CreatedAt
	} else {
		f.ID = m.nextFlagID
		m.nextFlagID++
		f.Version = 1
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	m.flags[f.FeatureName] = copyFlag(f)
	return nil
}

// GetFlag retrieves a flag by feature name.
func (m *MemoryStore) GetFlag(_ context.Context, featureName string) (*Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[featureName]
	if !ok {
		return nil, fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
	}
	return copyFlag(f), nil
}

// GetFlagByID retrieves a flag by its surrogate key.
func (m *MemoryStore) GetFlagByID(_ context.Context, id int64) (*Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.flags {
		if f.ID == id {
			return copyFlag(f), nil
		}
	}
	return nil, fmt.Errorf("flag id %d: %w", id, ErrNotFound)
}

// ListFlags returns a filtered, paginated flag list ordered by feature name.
func (m *MemoryStore) ListFlags(_ context.Context, filter ListFilter) ([]*Flag, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Flag
	for _, f := range m.flags {
		if filter.Audience != "" && f.TargetAudience != filter.Audience {
			continue
		}
		matched = append(matched, copyFlag(f))
	}
	sort.Slice(matched, func(i, j int) bool {
		return strings.Compare(matched[i].FeatureName, matched[j].FeatureName) < 0
	})

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []*Flag{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// ListChildren returns the direct children of the given flag.
func (m *MemoryStore) ListChildren(_ context.Context, parentID int64) ([]*Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var children []*Flag
	for _, f := range m.flags {
		if f.ParentID != nil && *f.ParentID == parentID {
			children = append(children, copyFlag(f))
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].FeatureName < children[j].FeatureName
	})
	return children, nil
}

// SetEnabled flips the master switch of a single flag.
func (m *MemoryStore) SetEnabled(_ context.Context, featureName string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[featureName]
	if !ok {
		return fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
	}
	f.Enabled = enabled
	f.Version++
	f.UpdatedAt = m.now()
	return nil
}

// SetEnabledCascade toggles the flag and its direct children atomically
// (the single mutex makes the multi-row update indivisible).
func (m *MemoryStore) SetEnabledCascade(_ context.Context, featureName string, enabled bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.flags[featureName]
	if !ok {
		return nil, fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
	}

	now := m.now()
	parent.Enabled = enabled
	parent.Version++
	parent.UpdatedAt = now
	affected := []string{featureName}

	var childNames []string
	for name, f := range m.flags {
		if f.ParentID != nil && *f.ParentID == parent.ID {
			childNames = append(childNames, name)
		}
	}
	sort.Strings(childNames)
	for _, name := range childNames {
		child := m.flags[name]
		child.Enabled = enabled
		child.Version++
		child.UpdatedAt = now
		affected = append(affected, name)
	}

	return affected, nil
}

// SetRolloutPercentage applies the percentage change and history entry as
// one atomic unit, conditional on the flag's version.
func (m *MemoryStore) SetRolloutPercentage(_ context.Context, featureName string, percentage int, expectedVersion int64, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[featureName]
	if !ok {
		return fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
	}
	if f.Version != expectedVersion {
		return fmt.Errorf("flag %q version %d: %w", featureName, expectedVersion, ErrConflict)
	}

	f.RolloutPercentage = percentage
	f.Version++
	f.UpdatedAt = m.now()
	m.appendHistory(entry)
	return nil
}

// DeleteFlag removes a flag unless children still reference it.
func (m *MemoryStore) DeleteFlag(_ context.Context, featureName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[featureName]
	if !ok {
		return fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
	}
	for _, child := range m.flags {
		if child.ParentID != nil && *child.ParentID == f.ID {
			return fmt.Errorf("flag %q has child flag(s): %w", featureName, ErrConflict)
		}
	}
	delete(m.flags, featureName)
	return nil
}

func (m *MemoryStore) appendHistory(entry *HistoryEntry) {
	entry.ID = int64(len(m.history) + 1)
	entry.CreatedAt = m.now()
	cp := *entry
	m.history = append(m.history, &cp)
}

// ListHistory returns the change records for a flag, oldest first.
func (m *MemoryStore) ListHistory(_ context.Context, featureName string) ([]*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*HistoryEntry
	for _, e := range m.history {
		if e.FeatureName == featureName {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	return entries, nil
}

// CreateSchedule persists a new schedule, generating an ID when absent.
func (m *MemoryStore) CreateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.schedules[s.ID]; exists {
		return fmt.Errorf("schedule %q already exists: %w", s.ID, ErrConflict)
	}

	now := m.now()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	m.schedules[s.ID] = copySchedule(s)
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	return copySchedule(s), nil
}

// ListSchedulesByFeature returns all schedules for a flag, newest first.
func (m *MemoryStore) ListSchedulesByFeature(_ context.Context, featureName string) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var schedules []*Schedule
	for _, s := range m.schedules {
		if s.FeatureName == featureName {
			schedules = append(schedules, copySchedule(s))
		}
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.After(schedules[j].CreatedAt)
	})
	return schedules, nil
}

// ListActiveSchedules returns active schedules, oldest first.
func (m *MemoryStore) ListActiveSchedules(_ context.Context, limit int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var schedules []*Schedule
	for _, s := range m.schedules {
		if s.Status == ScheduleActive {
			schedules = append(schedules, copySchedule(s))
		}
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	if limit > 0 && limit < len(schedules) {
		schedules = schedules[:limit]
	}
	return schedules, nil
}

// UpdateScheduleStatus transitions the status, conditional on version.
func (m *MemoryStore) UpdateScheduleStatus(_ context.Context, id string, status ScheduleStatus, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	if s.Version != expectedVersion {
		return fmt.Errorf("schedule %q version %d: %w", id, expectedVersion, ErrConflict)
	}

	now := m.now()
	s.Status = status
	if status == ScheduleCompleted {
		s.CompletedAt = &now
	} else {
		s.CompletedAt = nil
	}
	s.Version++
	s.UpdatedAt = now
	return nil
}

// ExecuteScheduleStep applies one due step atomically: schedule advance,
// flag percentage, and history either all land or none do, conditional on
// the schedule's step cursor.
func (m *MemoryStore) ExecuteScheduleStep(_ context.Context, sched *Schedule, expectedStep int, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.schedules[sched.ID]
	if !ok {
		return fmt.Errorf("schedule %q: %w", sched.ID, ErrNotFound)
	}
	if stored.CurrentStep != expectedStep || stored.Status != ScheduleActive {
		return fmt.Errorf("schedule %q step %d: %w", sched.ID, expectedStep, ErrConflict)
	}

	f, ok := m.flags[sched.FeatureName]
	if !ok {
		return fmt.Errorf("flag %q: %w", sched.FeatureName, ErrNotFound)
	}

	now := m.now()
	stored.Steps = append([]ScheduleStep(nil), sched.Steps...)
	stored.CurrentStep = sched.CurrentStep
	stored.Status = sched.Status
	stored.CompletedAt = sched.CompletedAt
	stored.Version++
	stored.UpdatedAt = now

	f.RolloutPercentage = entry.NewPercentage
	f.Version++
	f.UpdatedAt = now

	m.appendHistory(entry)
	return nil
}

// UpsertOverride inserts or replaces the override for the pair.
func (m *MemoryStore) UpsertOverride(_ context.Context, o *Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := overrideKey(o.UserID, o.FeatureName)
	if existing, ok := m.overrides[key]; ok {
		o.CreatedAt = existing.CreatedAt
	} else {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	cp := *o
	m.overrides[key] = &cp
	return nil
}

// GetOverride retrieves the override for the pair, expired or not.
func (m *MemoryStore) GetOverride(_ context.Context, userID, featureName string) (*Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.overrides[overrideKey(userID, featureName)]
	if !ok {
		return nil, fmt.Errorf("override for user %q flag %q: %w", userID, featureName, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// DeleteOverride removes the override for the pair.
func (m *MemoryStore) DeleteOverride(_ context.Context, userID, featureName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := overrideKey(userID, featureName)
	if _, ok := m.overrides[key]; !ok {
		return fmt.Errorf("override for user %q flag %q: %w", userID, featureName, ErrNotFound)
	}
	delete(m.overrides, key)
	return nil
}

// CountKnownUsers counts distinct override holders.
func (m *MemoryStore) CountKnownUsers(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[string]struct{})
	for _, o := range m.overrides {
		users[o.UserID] = struct{}{}
	}
	return int64(len(users)), nil
}
