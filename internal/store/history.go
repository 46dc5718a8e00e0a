package store

import (
	"context"
	"fmt"
)

// insertHistory appends one immutable percentage-change record.
// It takes a querier so it can participate in the caller's transaction.
func insertHistory(ctx context.Context, q querier, entry *HistoryEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO rollout_history (
			feature_name, old_percentage, new_percentage,
			change_reason, user_impact_estimate
		)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`,
		entry.FeatureName,
		entry.OldPercentage,
		entry.NewPercentage,
		entry.ChangeReason,
		entry.UserImpactEstimate,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert history entry for flag %q: %w", entry.FeatureName, err)
	}
	return nil
}

// ListHistory returns the append-only change records for a flag, oldest
// first, so callers can replay the percentage progression in order.
func (s *PostgresStore) ListHistory(ctx context.Context, featureName string) ([]*HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, feature_name, old_percentage, new_percentage,
		       change_reason, user_impact_estimate, created_at
		FROM rollout_history
		WHERE feature_name = $1
		ORDER BY created_at, id
	`, featureName)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for flag %q: %w", featureName, err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(
			&e.ID,
			&e.FeatureName,
			&e.OldPercentage,
			&e.NewPercentage,
			&e.ChangeReason,
			&e.UserImpactEstimate,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}
