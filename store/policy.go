package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/rejeu/heal"
)

// LoadPolicy reads the stored healing policy. Returns the default policy when
// none has been saved yet.
func (s *Store) LoadPolicy(ctx context.Context) (heal.Policy, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx,
		`SELECT policy_json FROM policy WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return heal.DefaultPolicy(), nil
	}
	if err != nil {
		return heal.Policy{}, fmt.Errorf("store: load policy: %w", err)
	}
	var p heal.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return heal.Policy{}, fmt.Errorf("store: decode policy: %w", err)
	}
	return p, nil
}

// SavePolicy validates and stores the healing policy as the single row.
func (s *Store) SavePolicy(ctx context.Context, p heal.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("store: save policy: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode policy: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO policy (id, policy_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			policy_json = excluded.policy_json,
			updated_at = excluded.updated_at`,
		string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save policy: %w", err)
	}
	return nil
}
