package rollout

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/skuldlabs/skuld/internal/store"
)

// SetUserOverride pins a flag decision for one user, optionally until an
// expiry. The flag must exist; overrides for phantom features are almost
// always typos and would otherwise linger invisibly.
func (s *Service) SetUserOverride(ctx context.Context, userID, featureName string, enabled bool, reason string, expiresAt *time.Time) (*store.Override, error) {
	userID = strings.TrimSpace(userID)
	featureName = strings.ToLower(strings.TrimSpace(featureName))

	if userID == "" {
		return nil, newValidationError("user_id", "is required")
	}
	if featureName == "" {
		return nil, newValidationError("feature_name", "is required")
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, newValidationError("expires_at", "must be in the future")
	}

	if _, err := s.store.GetFlag(ctx, featureName); err != nil {
		return nil, err
	}

	override := &store.Override{
		UserID:      userID,
		FeatureName: featureName,
		Enabled:     enabled,
		Reason:      strings.TrimSpace(reason),
		ExpiresAt:   expiresAt,
	}
	if err := s.store.UpsertOverride(ctx, override); err != nil {
		return nil, err
	}

	s.logger.Info("user override set",
		slog.String("user_id", userID),
		slog.String("feature_name", featureName),
		slog.Bool("enabled", enabled),
	)
	return override, nil
}

// RemoveUserOverride deletes a pinned decision, returning the user to
// normal percentage-based evaluation.
func (s *Service) RemoveUserOverride(ctx context.Context, userID, featureName string) error {
	userID = strings.TrimSpace(userID)
	featureName = strings.ToLower(strings.TrimSpace(featureName))

	if userID == "" {
		return newValidationError("user_id", "is required")
	}
	if err := s.store.DeleteOverride(ctx, userID, featureName); err != nil {
		return err
	}

	s.logger.Info("user override removed",
		slog.String("user_id", userID),
		slog.String("feature_name", featureName),
	)
	return nil
}
