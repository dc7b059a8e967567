package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/rejeu/step"
)

// InsertTest adds a test together with its ordered steps, atomically.
func (s *Store) InsertTest(ctx context.Context, t *Test, steps []step.Step) error {
	if err := step.ValidateAll(steps); err != nil {
		return fmt.Errorf("store: insert test: %w", err)
	}
	now := time.Now().UnixMilli()
	if t.ID == "" {
		t.ID = "tst_" + s.newID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: insert test: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tests (test_id, name, base_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.BaseURL, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert test: %w", err)
	}
	if err := insertSteps(ctx, tx, t.ID, steps, s.newID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSteps(ctx context.Context, tx *sql.Tx, testID string, steps []step.Step, newID func() string) error {
	for _, st := range steps {
		var op, expected, attr string
		if st.Assert != nil {
			op = string(st.Assert.Operator)
			expected = st.Assert.Expected
			attr = st.Assert.Attribute
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (step_id, test_id, idx, kind, locator, value,
			assert_operator, assert_expected, assert_attribute)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			"stp_"+newID(), testID, st.Index, string(st.Kind), st.Locator, st.Value,
			op, expected, attr,
		)
		if err != nil {
			return fmt.Errorf("store: insert step %d: %w", st.Index, err)
		}
	}
	return nil
}

// GetTest retrieves a test by ID. Returns ErrNotFound when absent.
func (s *Store) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT test_id, name, base_url, created_at, updated_at
		FROM tests WHERE test_id = ?`, id)

	var t Test
	err := row.Scan(&t.ID, &t.Name, &t.BaseURL, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: test %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan test: %w", err)
	}
	return &t, nil
}

// ListTests returns all tests, newest first.
func (s *Store) ListTests(ctx context.Context) ([]*Test, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT test_id, name, base_url, created_at, updated_at
		FROM tests ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		var t Test
		if err := rows.Scan(&t.ID, &t.Name, &t.BaseURL, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan test: %w", err)
		}
		tests = append(tests, &t)
	}
	return tests, rows.Err()
}

// DeleteTest removes a test (cascades to steps, runs, results, vitals).
func (s *Store) DeleteTest(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tests WHERE test_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: test %s: %w", id, ErrNotFound)
	}
	return nil
}

// StepsForTest returns the ordered step sequence of a test. This is the
// read-only step source a run fetches exactly once at start.
func (s *Store) StepsForTest(ctx context.Context, testID string) ([]step.Step, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT idx, kind, locator, value, assert_operator, assert_expected, assert_attribute
		FROM steps WHERE test_id = ? ORDER BY idx ASC`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []step.Step
	for rows.Next() {
		var st step.Step
		var kind, op, expected, attr string
		if err := rows.Scan(&st.Index, &kind, &st.Locator, &st.Value, &op, &expected, &attr); err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		st.Kind = step.Kind(kind)
		if op != "" || expected != "" || attr != "" {
			st.Assert = &step.Assertion{
				Operator:  step.Operator(op),
				Expected:  expected,
				Attribute: attr,
			}
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStepLocator rewrites the stored locator of one step. Only the
// explicit "apply suggestion" path calls this; the engine itself never
// writes back to the step source.
func (s *Store) UpdateStepLocator(ctx context.Context, testID string, idx int, locator string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE steps SET locator = ? WHERE test_id = ? AND idx = ?`,
		locator, testID, idx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: step %d of test %s: %w", idx, testID, ErrNotFound)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE tests SET updated_at = ? WHERE test_id = ?`,
		time.Now().UnixMilli(), testID)
	return err
}
