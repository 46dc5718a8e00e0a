package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertOverride inserts or replaces the override for the (user, feature)
// pair. The unique constraint guarantees at most one row per pair.
func (s *PostgresStore) UpsertOverride(ctx context.Context, o *Override) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO user_overrides (user_id, feature_name, enabled, reason, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, feature_name) DO UPDATE SET
			enabled    = EXCLUDED.enabled,
			reason     = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		RETURNING created_at, updated_at
	`,
		o.UserID,
		o.FeatureName,
		o.Enabled,
		o.Reason,
		o.ExpiresAt,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert override for user %q flag %q: %w", o.UserID, o.FeatureName, err)
	}
	return nil
}

// GetOverride retrieves the override for the pair, expired or not. Expiry
// is decided at evaluation time against the evaluation clock, not here.
func (s *PostgresStore) GetOverride(ctx context.Context, userID, featureName string) (*Override, error) {
	var o Override
	err := s.db.QueryRow(ctx, `
		SELECT user_id, feature_name, enabled, reason, expires_at, created_at, updated_at
		FROM user_overrides
		WHERE user_id = $1 AND feature_name = $2
	`, userID, featureName).Scan(
		&o.UserID,
		&o.FeatureName,
		&o.Enabled,
		&o.Reason,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("override for user %q flag %q: %w", userID, featureName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get override for user %q flag %q: %w", userID, featureName, err)
	}
	return &o, nil
}

// DeleteOverride removes the override for the pair.
func (s *PostgresStore) DeleteOverride(ctx context.Context, userID, featureName string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM user_overrides WHERE user_id = $1 AND feature_name = $2`,
		userID, featureName,
	)
	if err != nil {
		return fmt.Errorf("failed to delete override for user %q flag %q: %w", userID, featureName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("override for user %q flag %q: %w", userID, featureName, ErrNotFound)
	}
	return nil
}

// CountKnownUsers returns the size of the user population visible to the
// engine. The engine stores no per-user rollout state, so the distinct
// override holders are the only users it can count; the figure feeds the
// advisory impact estimate and nothing else.
func (s *PostgresStore) CountKnownUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(DISTINCT user_id) FROM user_overrides`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count known users: %w", err)
	}
	return count, nil
}
