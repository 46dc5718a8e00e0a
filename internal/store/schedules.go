package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `
	id, feature_name, schedule_name, status, current_step, steps,
	completed_at, version, created_at, updated_at
`

// scanSchedule maps one row onto a Schedule struct, decoding the JSONB
// steps column.
func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		sched Schedule
		steps []byte
	)
	err := row.Scan(
		&sched.ID,
		&sched.FeatureName,
		&sched.ScheduleName,
		&sched.Status,
		&sched.CurrentStep,
		&steps,
		&sched.CompletedAt,
		&sched.Version,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &sched.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode schedule steps: %w", err)
	}
	return &sched, nil
}

// CreateSchedule persists a new schedule. An ID is generated when the caller
// did not provide one.
func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}

	steps, err := json.Marshal(sched.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode schedule steps: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO rollout_schedules (id, feature_name, schedule_name, status, current_step, steps)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING version, created_at, updated_at
	`,
		sched.ID,
		sched.FeatureName,
		sched.ScheduleName,
		sched.Status,
		sched.CurrentStep,
		steps,
	).Scan(&sched.Version, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schedule %q: %w", sched.ScheduleName, err)
	}

	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM rollout_schedules WHERE id = $1`

	sched, err := scanSchedule(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("schedule %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get schedule %q: %w", id, err)
	}
	return sched, nil
}

// ListSchedulesByFeature returns all schedules targeting a flag, newest first.
func (s *PostgresStore) ListSchedulesByFeature(ctx context.Context, featureName string) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM rollout_schedules WHERE feature_name = $1 ORDER BY created_at DESC`
	return s.querySchedules(ctx, query, featureName)
}

// ListActiveSchedules returns schedules in the active state for the driver
// to examine. Ordered by creation time so older rollouts advance first.
func (s *PostgresStore) ListActiveSchedules(ctx context.Context, limit int) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM rollout_schedules WHERE status = $1 ORDER BY created_at LIMIT $2`
	return s.querySchedules(ctx, query, ScheduleActive, limit)
}

func (s *PostgresStore) querySchedules(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return schedules, nil
}

// UpdateScheduleStatus transitions a schedule's status, conditional on its
// version so concurrent user actions cannot silently clobber each other.
// CompletedAt is cleared unless the new status is completed.
func (s *PostgresStore) UpdateScheduleStatus(ctx context.Context, id string, status ScheduleStatus, expectedVersion int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rollout_schedules
		SET status = $2,
		    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE NULL END,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $3
	`, id, status, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update status of schedule %q: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM rollout_schedules WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check schedule %q: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("schedule %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("schedule %q version %d: %w", id, expectedVersion, ErrConflict)
	}

	return nil
}

// ExecuteScheduleStep atomically applies one due step. The schedule passed
// in already carries the advanced state (step marked executed, incremented
// current_step, possibly completed status); expectedStep is the cursor value
// the row must still hold for the write to land. If another executor got
// there first, zero rows match, the transaction rolls back, and ErrConflict
// tells the driver to skip -- the step was not applied twice.
func (s *PostgresStore) ExecuteScheduleStep(ctx context.Context, sched *Schedule, expectedStep int, entry *HistoryEntry) error {
	steps, err := json.Marshal(sched.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode schedule steps: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rollout_schedules
			SET steps = $2,
			    current_step = $3,
			    status = $4,
			    completed_at = $5,
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1 AND current_step = $6 AND status = 'active'
		`, sched.ID, steps, sched.CurrentStep, sched.Status, sched.CompletedAt, expectedStep)
		if err != nil {
			return fmt.Errorf("failed to advance schedule %q: %w", sched.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("schedule %q step %d: %w", sched.ID, expectedStep, ErrConflict)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE flags
			SET rollout_percentage = $2, version = version + 1, updated_at = now()
			WHERE feature_name = $1
		`, sched.FeatureName, entry.NewPercentage)
		if err != nil {
			return fmt.Errorf("failed to apply scheduled percentage to flag %q: %w", sched.FeatureName, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("flag %q: %w", sched.FeatureName, ErrNotFound)
		}

		return insertHistory(ctx, tx, entry)
	})
}
