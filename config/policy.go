package config

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/store"
)

// PolicySource holds the current healing policy and hot-reloads it when the
// stored row changes. Runs capture a snapshot at start; an edit never
// retroactively affects a run in flight.
type PolicySource struct {
	store   *store.Store
	current atomic.Pointer[heal.Policy]
	version atomic.Int64
	log     *slog.Logger
}

// NewPolicySource seeds the source from the store, falling back to the given
// policy when nothing is persisted yet.
func NewPolicySource(ctx context.Context, st *store.Store, fallback heal.Policy, log *slog.Logger) *PolicySource {
	if log == nil {
		log = slog.Default()
	}
	ps := &PolicySource{store: st, log: log}

	p, err := st.LoadPolicy(ctx)
	if err != nil {
		log.Warn("policy load failed, using configured default", "error", err)
		p = fallback
	}
	ps.current.Store(&p)
	if v, err := policyVersion(ctx, st.DB); err == nil {
		ps.version.Store(v)
	}
	return ps
}

// Snapshot returns the current policy by value.
func (ps *PolicySource) Snapshot() heal.Policy {
	return *ps.current.Load()
}

// Update validates, persists, and immediately swaps in a new policy.
func (ps *PolicySource) Update(ctx context.Context, p heal.Policy) error {
	if err := ps.store.SavePolicy(ctx, p); err != nil {
		return err
	}
	ps.current.Store(&p)
	if v, err := policyVersion(ctx, ps.store.DB); err == nil {
		ps.version.Store(v)
	}
	return nil
}

// Watch polls the stored policy row and swaps the snapshot when another
// writer changes it. Blocks until ctx is cancelled.
func (ps *PolicySource) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ps.log.Info("policy watch started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			ps.log.Info("policy watch stopped")
			return
		case <-ticker.C:
			cur, err := policyVersion(ctx, ps.store.DB)
			if err != nil {
				ps.log.Warn("policy version check failed", "error", err)
				continue
			}
			if cur == ps.version.Load() {
				continue
			}
			p, err := ps.store.LoadPolicy(ctx)
			if err != nil {
				ps.log.Warn("policy reload failed", "error", err)
				continue
			}
			ps.current.Store(&p)
			ps.version.Store(cur)
			ps.log.Info("policy reloaded",
				"enabled", p.Enabled,
				"auto_approve", p.AutoApprove,
				"threshold", p.AutoApproveThreshold,
				"mode", string(p.Mode))
		}
	}
}

// policyVersion reads the updated_at of the policy row as a change token.
func policyVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(updated_at), 0) FROM policy`).Scan(&v)
	return v, err
}
