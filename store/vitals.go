package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveVitals upserts the page timing row of one navigate step.
func (s *Store) SaveVitals(ctx context.Context, v *Vitals) error {
	ratings := []byte("{}")
	if v.Ratings != nil {
		b, err := json.Marshal(v.Ratings)
		if err != nil {
			return fmt.Errorf("store: marshal ratings: %w", err)
		}
		ratings = b
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO vitals (run_id, step_idx, url, ttfb, fcp, lcp, dcl, load_ms, cls, ratings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_idx) DO UPDATE SET
			url = excluded.url,
			ttfb = excluded.ttfb,
			fcp = excluded.fcp,
			lcp = excluded.lcp,
			dcl = excluded.dcl,
			load_ms = excluded.load_ms,
			cls = excluded.cls,
			ratings = excluded.ratings`,
		v.RunID, v.StepIndex, v.URL, v.TTFB, v.FCP, v.LCP, v.DOMContentLoaded, v.Load, v.CLS, string(ratings),
	)
	if err != nil {
		return fmt.Errorf("store: save vitals: %w", err)
	}
	return nil
}

// VitalsForRun returns captured page timings in step order.
func (s *Store) VitalsForRun(ctx context.Context, runID string) ([]*Vitals, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id, step_idx, url, ttfb, fcp, lcp, dcl, load_ms, cls, ratings
		FROM vitals WHERE run_id = ? ORDER BY step_idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Vitals
	for rows.Next() {
		var v Vitals
		var ratings string
		err := rows.Scan(&v.RunID, &v.StepIndex, &v.URL, &v.TTFB, &v.FCP, &v.LCP,
			&v.DOMContentLoaded, &v.Load, &v.CLS, &ratings)
		if err != nil {
			return nil, fmt.Errorf("store: scan vitals: %w", err)
		}
		if ratings != "" {
			if err := json.Unmarshal([]byte(ratings), &v.Ratings); err != nil {
				return nil, fmt.Errorf("store: decode ratings: %w", err)
			}
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
