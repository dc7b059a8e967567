package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertRun records a starting run.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = "run_" + s.newID()
	}
	if r.StartedAt == 0 {
		r.StartedAt = time.Now().UnixMilli()
	}
	if r.Status == "" {
		r.Status = "running"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (run_id, test_id, status, message, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TestID, r.Status, r.Message, r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status, message string, durationMs int64) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status = ?, message = ?, finished_at = ?, duration_ms = ?
		WHERE run_id = ?`,
		status, message, now, durationMs, runID,
	)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT run_id, test_id, status, message, started_at, finished_at, duration_ms
		FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns runs newest first, optionally filtered by test,
// capped at limit (0 means 50).
func (s *Store) ListRuns(ctx context.Context, testID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, test_id, status, message, started_at, finished_at, duration_ms
		FROM runs`
	args := []any{}
	if testID != "" {
		q += ` WHERE test_id = ?`
		args = append(args, testID)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var finished sql.NullInt64
	err := row.Scan(&r.ID, &r.TestID, &r.Status, &r.Message, &r.StartedAt, &finished, &r.DurationMs)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Int64
	}
	return &r, nil
}

// SaveResult upserts the terminal result of one step within a run.
func (s *Store) SaveResult(ctx context.Context, r *RunResult) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO run_results (run_id, idx, status, error, original_locator, healed_locator, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			original_locator = excluded.original_locator,
			healed_locator = excluded.healed_locator,
			duration_ms = excluded.duration_ms`,
		r.RunID, r.Index, r.Status, r.Error, r.OriginalLocator, r.HealedLocator, r.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("store: save result: %w", err)
	}
	return nil
}

// ResultsForRun returns per-step results in step order.
func (s *Store) ResultsForRun(ctx context.Context, runID string) ([]*RunResult, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id, idx, status, error, original_locator, healed_locator, duration_ms
		FROM run_results WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*RunResult
	for rows.Next() {
		var r RunResult
		err := rows.Scan(&r.RunID, &r.Index, &r.Status, &r.Error, &r.OriginalLocator, &r.HealedLocator, &r.DurationMs)
		if err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}
