// Package rollout implements the write-side orchestration of the flag
// engine: flag definition upserts, percentage changes with their audit
// trail, hierarchy cascades, bulk operations, user overrides, and rollout
// schedules. Reads for evaluation flow through an optional cache; every
// write invalidates it explicitly.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/skuldlabs/skuld/internal/engine"
	"github.com/skuldlabs/skuld/internal/store"
)

// featureNameRegex keeps feature names URL- and metric-label-safe.
var featureNameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

const (
	// maxAncestorDepth bounds the hierarchy walk. The data model promises a
	// single parent level; the walk tolerates deeper chains but refuses to
	// follow a pathological one forever.
	maxAncestorDepth = 10

	defaultConflictRetries = 3

	defaultPageSize = 20
	maxPageSize     = 100
)

// FlagReader is the evaluation read path. Production wires the layered
// cache here; unit tests and cacheless deployments use the store itself.
type FlagReader interface {
	GetFlag(ctx context.Context, featureName string) (*store.Flag, error)
}

// Invalidator evicts a flag from whatever caches sit in front of the store.
// Called after every flag-mutating write.
type Invalidator interface {
	Invalidate(ctx context.Context, featureName string) error
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, string) error { return nil }

// Options configures the optional collaborators of a Service.
type Options struct {
	// Reader serves evaluation reads. Defaults to the store.
	Reader FlagReader

	// Invalidator receives post-write evictions. Defaults to a no-op.
	Invalidator Invalidator

	// ConflictRetries bounds the read-modify-write cycle on ErrConflict.
	ConflictRetries int
}

// Service orchestrates flag-engine operations on top of a Store.
type Service struct {
	logger          *slog.Logger
	store           store.Store
	reader          FlagReader
	evaluator       *engine.Evaluator
	invalidator     Invalidator
	conflictRetries int
	now             func() time.Time
}

// NewService creates a Service. The logger defaults to slog.Default();
// the store is mandatory.
func NewService(logger *slog.Logger, st store.Store, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if st == nil {
		panic("rollout: store cannot be nil")
	}

	reader := opts.Reader
	if reader == nil {
		reader = st
	}
	invalidator := opts.Invalidator
	if invalidator == nil {
		invalidator = noopInvalidator{}
	}
	retries := opts.ConflictRetries
	if retries < 1 {
		retries = defaultConflictRetries
	}

	return &Service{
		logger:          logger,
		store:           st,
		reader:          reader,
		evaluator:       engine.NewEvaluator(logger),
		invalidator:     invalidator,
		conflictRetries: retries,
		now:             time.Now,
	}
}

// invalidate evicts a flag from the cache layer. Eviction failures are
// logged, not propagated: the write already committed, and the cache TTL
// is the safety net for a missed eviction.
func (s *Service) invalidate(ctx context.Context, featureName string) {
	if err := s.invalidator.Invalidate(ctx, featureName); err != nil {
		s.logger.Warn("cache invalidation failed",
			slog.String("feature_name", featureName),
			slog.String("error", err.Error()),
		)
	}
}

// FlagInput is the definition accepted by UpsertFlag. The parent is
// referenced by name; the service resolves it to an ID and checks for
// hierarchy cycles.
type FlagInput struct {
	FeatureName       string
	Description       string
	Enabled           bool
	RolloutPercentage int
	TargetAudience    store.Audience
	CohortRules       []byte
	ABTest            []byte
	Strategy          store.Strategy
	RolloutStart      *time.Time
	RolloutEnd        *time.Time
	ParentFeatureName string
}

// sanitize normalizes the free-form fields in place.
func (in *FlagInput) sanitize() {
	in.FeatureName = strings.ToLower(strings.TrimSpace(in.FeatureName))
	in.Description = strings.TrimSpace(in.Description)
	in.ParentFeatureName = strings.ToLower(strings.TrimSpace(in.ParentFeatureName))
}

// validate checks the business rules. Defaults are applied first so an
// omitted audience or strategy is legal.
func (in *FlagInput) validate() error {
	if in.FeatureName == "" {
		return newValidationError("feature_name", "is required")
	}
	if len(in.FeatureName) > 255 {
		return newValidationError("feature_name", "must be at most 255 characters")
	}
	if !featureNameRegex.MatchString(in.FeatureName) {
		return newValidationError("feature_name", "must contain only lowercase letters, numbers, hyphens, and underscores")
	}
	if in.RolloutPercentage < 0 || in.RolloutPercentage > 100 {
		return newValidationError("rollout_percentage", "must be between 0 and 100, got %d", in.RolloutPercentage)
	}
	if in.TargetAudience == "" {
		in.TargetAudience = store.AudienceAll
	}
	if !in.TargetAudience.Valid() {
		return newValidationError("target_audience", "unknown audience %q", in.TargetAudience)
	}
	if in.Strategy == "" {
		in.Strategy = store.StrategyImmediate
	}
	if !in.Strategy.Valid() {
		return newValidationError("rollout_strategy", "unknown strategy %q", in.Strategy)
	}
	if in.RolloutStart != nil && in.RolloutEnd != nil && !in.RolloutStart.Before(*in.RolloutEnd) {
		return newValidationError("rollout_end", "must be after rollout_start")
	}
	if len(in.CohortRules) > 0 {
		if _, err := engine.CompileCohortRule(in.CohortRules); err != nil {
			return newValidationError("cohort_rules", "%s", err.Error())
		}
	}
	if len(in.ABTest) > 0 {
		if _, err := engine.ParseABTest(in.ABTest); err != nil {
			return newValidationError("ab_test", "%s", err.Error())
		}
	}
	return nil
}

// UpsertFlag creates or redefines a flag. The write is rejected before it
// reaches the store when validation fails or the parent link would form a
// cycle.
func (s *Service) UpsertFlag(ctx context.Context, in FlagInput) (*store.Flag, error) {
	in.sanitize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	var parentID *int64
	if in.ParentFeatureName != "" {
		if in.ParentFeatureName == in.FeatureName {
			return nil, &CycleError{FeatureName: in.FeatureName}
		}
		parent, err := s.store.GetFlag(ctx, in.ParentFeatureName)
		if err != nil {
			return nil, fmt.Errorf("resolving parent: %w", err)
		}
		if err := s.checkNoCycle(ctx, in.FeatureName, parent); err != nil {
			return nil, err
		}
		parentID = &parent.ID
	}

	flag := &store.Flag{
		FeatureName:       in.FeatureName,
		Description:       in.Description,
		Enabled:           in.Enabled,
		RolloutPercentage: in.RolloutPercentage,
		TargetAudience:    in.TargetAudience,
		CohortRules:       in.CohortRules,
		ABTest:            in.ABTest,
		Strategy:          in.Strategy,
		RolloutStart:      in.RolloutStart,
		RolloutEnd:        in.RolloutEnd,
		ParentID:          parentID,
	}

	if err := s.store.UpsertFlag(ctx, flag); err != nil {
		return nil, err
	}

	s.invalidate(ctx, flag.FeatureName)
	s.logger.Info("flag upserted",
		slog.String("feature_name", flag.FeatureName),
		slog.Int64("flag_id", flag.ID),
		slog.Int64("version", flag.Version),
	)
	return flag, nil
}

// checkNoCycle walks up from the proposed parent; finding the flag itself
// anywhere in that chain means the link would close a loop.
func (s *Service) checkNoCycle(ctx context.Context, featureName string, parent *store.Flag) error {
	current := parent
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if current.FeatureName == featureName {
			return &CycleError{FeatureName: featureName}
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := s.store.GetFlagByID(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		current = next
	}
	return newValidationError("parent_feature_name", "hierarchy exceeds maximum depth of %d", maxAncestorDepth)
}

// GetFlag retrieves a flag definition from the source of truth.
func (s *Service) GetFlag(ctx context.Context, featureName string) (*store.Flag, error) {
	return s.store.GetFlag(ctx, featureName)
}

// ListFlags returns a filtered, paginated flag listing plus the total
// count. Out-of-range pagination values are clamped rather than rejected.
func (s *Service) ListFlags(ctx context.Context, filter store.ListFilter) ([]*store.Flag, int64, error) {
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Audience != "" && !filter.Audience.Valid() {
		return nil, 0, newValidationError("audience", "unknown audience %q", filter.Audience)
	}
	return s.store.ListFlags(ctx, filter)
}

// DeleteFlag removes a flag. The store rejects the delete while children
// reference it, so a hierarchy is dismantled leaf-first or not at all.
func (s *Service) DeleteFlag(ctx context.Context, featureName string) error {
	if err := s.store.DeleteFlag(ctx, featureName); err != nil {
		return err
	}
	s.invalidate(ctx, featureName)
	return nil
}

// ToggleFlag flips the master switch of a single flag.
func (s *Service) ToggleFlag(ctx context.Context, featureName string, enabled bool) error {
	if err := s.store.SetEnabled(ctx, featureName, enabled); err != nil {
		return err
	}
	s.invalidate(ctx, featureName)
	s.logger.Info("flag toggled",
		slog.String("feature_name", featureName),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// ToggleParentAndChildren sets the flag and all of its direct children to
// the same enabled state as one all-or-nothing cascade. It returns the
// feature names that were changed.
func (s *Service) ToggleParentAndChildren(ctx context.Context, featureName string, enabled bool) ([]string, error) {
	affected, err := s.store.SetEnabledCascade(ctx, featureName, enabled)
	if err != nil {
		return nil, err
	}
	for _, name := range affected {
		s.invalidate(ctx, name)
	}
	s.logger.Info("flag cascade toggled",
		slog.String("feature_name", featureName),
		slog.Bool("enabled", enabled),
		slog.Int("affected", len(affected)),
	)
	return affected, nil
}

// GetChildren lists the direct children of a flag.
func (s *Service) GetChildren(ctx context.Context, featureName string) ([]*store.Flag, error) {
	parent, err := s.store.GetFlag(ctx, featureName)
	if err != nil {
		return nil, err
	}
	return s.store.ListChildren(ctx, parent.ID)
}

// SetRolloutPercentage applies a validated percentage change together with
// its audit entry. A conditional-write race is retried a bounded number of
// times before the conflict surfaces to the caller.
func (s *Service) SetRolloutPercentage(ctx context.Context, featureName string, percentage int, reason string) error {
	if percentage < 0 || percentage > 100 {
		return newValidationError("rollout_percentage", "must be between 0 and 100, got %d", percentage)
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		flag, err := s.store.GetFlag(ctx, featureName)
		if err != nil {
			return err
		}

		entry := &store.HistoryEntry{
			FeatureName:        featureName,
			OldPercentage:      flag.RolloutPercentage,
			NewPercentage:      percentage,
			ChangeReason:       reason,
			UserImpactEstimate: s.estimateImpact(ctx, flag.RolloutPercentage, percentage),
		}

		err = s.store.SetRolloutPercentage(ctx, featureName, percentage, flag.Version, entry)
		if err == nil {
			s.invalidate(ctx, featureName)
			s.logger.Info("rollout percentage updated",
				slog.String("feature_name", featureName),
				slog.Int("old_percentage", entry.OldPercentage),
				slog.Int("new_percentage", percentage),
				slog.String("reason", reason),
			)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("percentage update lost %d races: %w", s.conflictRetries, lastErr)
}

// BulkSetRolloutPercentage applies one percentage change to many flags.
// The range is validated once up front; after that, each flag succeeds or
// fails on its own, and every input name lands in exactly one side of the
// result. This per-item isolation is deliberate and is the opposite of the
// all-or-nothing parent/child cascade.
func (s *Service) BulkSetRolloutPercentage(ctx context.Context, featureNames []string, percentage int, reason string) (*BulkResult, error) {
	if percentage < 0 || percentage > 100 {
		return nil, newValidationError("rollout_percentage", "must be between 0 and 100, got %d", percentage)
	}
	if len(featureNames) == 0 {
		return nil, newValidationError("feature_names", "must not be empty")
	}

	result := &BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, name := range featureNames {
		if err := s.SetRolloutPercentage(ctx, name, percentage, reason); err != nil {
			result.Failed = append(result.Failed, BulkFailure{FeatureName: name, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, name)
	}
	return result, nil
}

// GetRolloutHistory returns the audit trail of a flag, oldest change first.
func (s *Service) GetRolloutHistory(ctx context.Context, featureName string) ([]*store.HistoryEntry, error) {
	return s.store.ListHistory(ctx, featureName)
}

// estimateImpact computes the advisory "~N users affected" figure from the
// known user population. It is informational only; a counting failure
// degrades to zero instead of blocking the percentage change.
func (s *Service) estimateImpact(ctx context.Context, oldPct, newPct int) int {
	total, err := s.store.CountKnownUsers(ctx)
	if err != nil {
		s.logger.Debug("user count unavailable for impact estimate", slog.String("error", err.Error()))
		return 0
	}

	delta := newPct - oldPct
	if delta < 0 {
		delta = -delta
	}
	// Ceiling division so a small population with a small delta still
	// reports at least one affected user.
	return int((total*int64(delta) + 99) / 100)
}
