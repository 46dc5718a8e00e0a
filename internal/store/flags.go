package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// flagColumns is the canonical column list shared by every flag SELECT so
// scanFlag stays in lockstep with the queries.
const flagColumns = `
	id, feature_name, description, enabled, rollout_percentage,
	target_audience, cohort_rules, ab_test, rollout_strategy,
	rollout_start, rollout_end, parent_feature_id, version,
	created_at, updated_at
`

// scanFlag maps one row onto a Flag struct.
func scanFlag(row pgx.Row) (*Flag, error) {
	var f Flag
	err := row.Scan(
		&f.ID,
		&f.FeatureName,
		&f.Description,
		&f.Enabled,
		&f.RolloutPercentage,
		&f.TargetAudience,
		&f.CohortRules,
		&f.ABTest,
		&f.Strategy,
		&f.RolloutStart,
		&f.RolloutEnd,
		&f.ParentID,
		&f.Version,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertFlag inserts a new flag or replaces the definition of an existing
// one, keyed by feature_name. The version counter is bumped on update so
// concurrent conditional writers observe the change.
func (s *PostgresStore) UpsertFlag(ctx context.Context, f *Flag) error {
	query := `
		INSERT INTO flags (
			feature_name, description, enabled, rollout_percentage,
			target_audience, cohort_rules, ab_test, rollout_strategy,
			rollout_start, rollout_end, parent_feature_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (feature_name) DO UPDATE SET
			description        = EXCLUDED.description,
			enabled            = EXCLUDED.enabled,
			rollout_percentage = EXCLUDED.rollout_percentage,
			target_audience    = EXCLUDED.target_audience,
			cohort_rules       = EXCLUDED.cohort_rules,
			ab_test            = EXCLUDED.ab_test,
			rollout_strategy   = EXCLUDED.rollout_strategy,
			rollout_start      = EXCLUDED.rollout_start,
			rollout_end        = EXCLUDED.rollout_end,
			parent_feature_id  = EXCLUDED.parent_feature_id,
			version            = flags.version + 1,
			updated_at         = now()
		RETURNING id, version, created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		f.FeatureName,
		f.Description,
		f.Enabled,
		f.RolloutPercentage,
		f.TargetAudience,
		f.CohortRules,
		f.ABTest,
		f.Strategy,
		f.RolloutStart,
		f.RolloutEnd,
		f.ParentID,
	).Scan(&f.ID, &f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert flag %q: %w", f.FeatureName, err)
	}

	return nil
}

// GetFlag retrieves a flag by its feature name.
func (s *PostgresStore) GetFlag(ctx context.Context, featureName string) (*Flag, error) {
	return s.getFlag(ctx, s.db, featureName)
}

func (s *PostgresStore) getFlag(ctx context.Context, q querier, featureName string) (*Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM flags WHERE feature_name = $1`

	f, err := scanFlag(q.QueryRow(ctx, query, featureName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get flag %q: %w", featureName, err)
	}
	return f, nil
}

// GetFlagByID retrieves a flag by its surrogate key.
func (s *PostgresStore) GetFlagByID(ctx context.Context, id int64) (*Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM flags WHERE id = $1`

	f, err := scanFlag(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("flag id %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get flag id %d: %w", id, err)
	}
	return f, nil
}

// ListFlags retrieves a filtered subset of flags based on pagination
// parameters, plus the total count for pagination metadata.
func (s *PostgresStore) ListFlags(ctx context.Context, filter ListFilter) ([]*Flag, int64, error) {
	where := ""
	countArgs := []any{}
	if filter.Audience != "" {
		where = ` WHERE target_audience = $1`
		countArgs = append(countArgs, filter.Audience)
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM flags`+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count flags: %w", err)
	}

	if total == 0 {
		return []*Flag{}, 0, nil
	}

	args := append([]any{}, countArgs...)
	query := `SELECT ` + flagColumns + ` FROM flags` + where +
		fmt.Sprintf(` ORDER BY feature_name LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]*Flag, 0, filter.Limit)
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan flag row: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return flags, total, nil
}

// ListChildren returns the direct children of the given flag.
func (s *PostgresStore) ListChildren(ctx context.Context, parentID int64) ([]*Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM flags WHERE parent_feature_id = $1 ORDER BY feature_name`

	rows, err := s.db.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of flag id %d: %w", parentID, err)
	}
	defer rows.Close()

	var children []*Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		children = append(children, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return children, nil
}

// SetEnabled flips the master switch of a single flag.
func (s *PostgresStore) SetEnabled(ctx context.Context, featureName string, enabled bool) error {
	query := `
		UPDATE flags
		SET enabled = $2, version = version + 1, updated_at = now()
		WHERE feature_name = $1
	`

	tag, err := s.db.Exec(ctx, query, featureName, enabled)
	if err != nil {
		return fmt.Errorf("failed to toggle flag %q: %w", featureName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
	}
	return nil
}

// SetEnabledCascade sets Enabled on the named flag and every direct child in
// one transaction. A failure on any row rolls back the whole cascade, so
// parent and children never diverge from a partial update.
func (s *PostgresStore) SetEnabledCascade(ctx context.Context, featureName string, enabled bool) ([]string, error) {
	var affected []string

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var parentID int64
		err := tx.QueryRow(ctx, `
			UPDATE flags
			SET enabled = $2, version = version + 1, updated_at = now()
			WHERE feature_name = $1
			RETURNING id
		`, featureName, enabled).Scan(&parentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
			}
			return fmt.Errorf("failed to toggle parent flag %q: %w", featureName, err)
		}
		affected = append(affected, featureName)

		rows, err := tx.Query(ctx, `
			UPDATE flags
			SET enabled = $2, version = version + 1, updated_at = now()
			WHERE parent_feature_id = $1
			RETURNING feature_name
		`, parentID, enabled)
		if err != nil {
			return fmt.Errorf("failed to toggle children of flag %q: %w", featureName, err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("failed to scan child flag name: %w", err)
			}
			affected = append(affected, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return affected, nil
}

// SetRolloutPercentage applies a percentage change and its audit record in
// one transaction, conditional on the flag's version. History and flag state
// therefore never diverge: either both commit or neither does.
func (s *PostgresStore) SetRolloutPercentage(ctx context.Context, featureName string, percentage int, expectedVersion int64, entry *HistoryEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE flags
			SET rollout_percentage = $2, version = version + 1, updated_at = now()
			WHERE feature_name = $1 AND version = $3
		`, featureName, percentage, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update percentage of flag %q: %w", featureName, err)
		}

		if tag.RowsAffected() == 0 {
			// Disambiguate a lost race from a missing row.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM flags WHERE feature_name = $1)`,
				featureName,
			).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check flag %q: %w", featureName, err)
			}
			if !exists {
				return fmt.Errorf("flag %q: %w", featureName, ErrNotFound)
			}
			return fmt.Errorf("flag %q version %d: %w", featureName, expectedVersion, ErrConflict)
		}

		return insertHistory(ctx, tx, entry)
	})
}

// DeleteFlag removes a flag unless children still reference it.
// The check and the delete run in one transaction to close the race where a
// child appears between them.
func (s *PostgresStore) DeleteFlag(ctx context.Context, featureName string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		f, err := s.getFlag(ctx, tx, featureName)
		if err != nil {
			return err
		}

		var childCount int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM flags WHERE parent_feature_id = $1`, f.ID,
		).Scan(&childCount); err != nil {
			return fmt.Errorf("failed to count children of flag %q: %w", featureName, err)
		}
		if childCount > 0 {
			return fmt.Errorf("flag %q has %d child flag(s): %w", featureName, childCount, ErrConflict)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM flags WHERE id = $1`, f.ID); err != nil {
			return fmt.Errorf("failed to delete flag %q: %w", featureName, err)
		}
		return nil
	})
}
