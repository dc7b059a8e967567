package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/rejeu/heal"
)

// SaveSuggestion persists a healing suggestion with its initial status.
// Implements heal.Sink.
func (s *Store) SaveSuggestion(ctx context.Context, sug *heal.Suggestion, status string) error {
	alts, err := json.Marshal(sug.Alternatives)
	if err != nil {
		return fmt.Errorf("store: marshal alternatives: %w", err)
	}
	if sug.Alternatives == nil {
		alts = []byte("[]")
	}
	now := time.Now().UnixMilli()

	var decidedAt any
	if status != heal.StatusPending {
		decidedAt = now
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO suggestions (suggestion_id, run_id, test_id, step_idx,
		original_locator, suggested_locator, confidence, reasoning, alternatives,
		status, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sug.ID, sug.RunID, sug.TestID, sug.StepIndex,
		sug.OriginalLocator, sug.SuggestedLocator, sug.Confidence, sug.Reasoning, string(alts),
		status, now, decidedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save suggestion: %w", err)
	}
	return nil
}

// UpdateSuggestionStatus moves a suggestion out of pending. Implements
// heal.Sink; unlike the review operations it overwrites without a conflict
// check because the engine is the single writer on the inline path.
func (s *Store) UpdateSuggestionStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, decided_at = ? WHERE suggestion_id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: update suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: suggestion %s: %w", id, ErrNotFound)
	}
	return nil
}

// SuggestionFilter narrows ListSuggestions. Zero value lists everything.
type SuggestionFilter struct {
	Status string
	RunID  string
	TestID string
	Limit  int
}

// ListSuggestions returns suggestions newest first.
func (s *Store) ListSuggestions(ctx context.Context, f SuggestionFilter) ([]*SuggestionRow, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := `SELECT suggestion_id, run_id, test_id, step_idx, original_locator,
		suggested_locator, confidence, reasoning, alternatives, status, created_at, decided_at
		FROM suggestions WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RunID != "" {
		q += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.TestID != "" {
		q += ` AND test_id = ?`
		args = append(args, f.TestID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SuggestionRow
	for rows.Next() {
		row, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PendingSuggestionCount returns the size of the review backlog.
func (s *Store) PendingSuggestionCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suggestions WHERE status = ?`, heal.StatusPending).Scan(&n)
	return n, err
}

// GetSuggestion retrieves one suggestion by ID.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*SuggestionRow, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT suggestion_id, run_id, test_id, step_idx, original_locator,
		suggested_locator, confidence, reasoning, alternatives, status, created_at, decided_at
		FROM suggestions WHERE suggestion_id = ?`, id)
	sug, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: suggestion %s: %w", id, ErrNotFound)
	}
	return sug, err
}

func scanSuggestion(row rowScanner) (*SuggestionRow, error) {
	var sug SuggestionRow
	var alts string
	var decided sql.NullInt64
	err := row.Scan(&sug.ID, &sug.RunID, &sug.TestID, &sug.StepIndex, &sug.OriginalLocator,
		&sug.SuggestedLocator, &sug.Confidence, &sug.Reasoning, &alts, &sug.Status,
		&sug.CreatedAt, &decided)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan suggestion: %w", err)
	}
	if alts != "" {
		if err := json.Unmarshal([]byte(alts), &sug.Alternatives); err != nil {
			return nil, fmt.Errorf("store: decode alternatives: %w", err)
		}
	}
	if decided.Valid {
		sug.DecidedAt = &decided.Int64
	}
	return &sug, nil
}

// ApproveSuggestion resolves a pending suggestion as approved. With
// applyToTest, the suggested locator is written back to the stored step and
// the status becomes applied. Returns ErrConflict when the suggestion was
// already decided.
func (s *Store) ApproveSuggestion(ctx context.Context, id string, applyToTest bool) (*SuggestionRow, error) {
	sug, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sug.Status != heal.StatusPending {
		return nil, fmt.Errorf("store: suggestion %s is %s: %w", id, sug.Status, ErrConflict)
	}

	status := heal.StatusApproved
	if applyToTest {
		status = heal.StatusApplied
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, decided_at = ?
		WHERE suggestion_id = ? AND status = ?`,
		status, now, id, heal.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("store: approve suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("store: suggestion %s already decided: %w", id, ErrConflict)
	}

	if applyToTest && sug.TestID != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE steps SET locator = ? WHERE test_id = ? AND idx = ?`,
			sug.SuggestedLocator, sug.TestID, sug.StepIndex)
		if err != nil {
			return nil, fmt.Errorf("store: apply suggestion to step: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tests SET updated_at = ? WHERE test_id = ?`, now, sug.TestID)
		if err != nil {
			return nil, fmt.Errorf("store: apply suggestion to test: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sug.Status = status
	sug.DecidedAt = &now
	return sug, nil
}

// RejectSuggestion resolves a pending suggestion as rejected. Returns
// ErrConflict when already decided.
func (s *Store) RejectSuggestion(ctx context.Context, id string) (*SuggestionRow, error) {
	sug, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sug.Status != heal.StatusPending {
		return nil, fmt.Errorf("store: suggestion %s is %s: %w", id, sug.Status, ErrConflict)
	}
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, decided_at = ?
		WHERE suggestion_id = ? AND status = ?`,
		heal.StatusRejected, now, id, heal.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("store: reject suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("store: suggestion %s already decided: %w", id, ErrConflict)
	}
	sug.Status = heal.StatusRejected
	sug.DecidedAt = &now
	return sug, nil
}

// BulkResolveSuggestions approves or rejects every pending suggestion in ids.
// Already-decided or missing IDs are skipped; the returned count is the
// number actually resolved.
func (s *Store) BulkResolveSuggestions(ctx context.Context, ids []string, approve, applyToTest bool) (int, error) {
	resolved := 0
	for _, id := range ids {
		var err error
		if approve {
			_, err = s.ApproveSuggestion(ctx, id, applyToTest)
		} else {
			_, err = s.RejectSuggestion(ctx, id)
		}
		if err != nil {
			if isSkippable(err) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func isSkippable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
