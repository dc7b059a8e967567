package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/rejeu/config"
	"github.com/hazyhaar/rejeu/dbopen"
	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rejeu.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8077" {
		t.Fatalf("got listen %q", cfg.Listen)
	}
	if cfg.DBPath != "rejeu.db" || cfg.ObsPath != "rejeu_obs.db" {
		t.Fatalf("got paths %q %q", cfg.DBPath, cfg.ObsPath)
	}
	if cfg.Policy != heal.DefaultPolicy() {
		t.Fatalf("got policy %+v, want default", cfg.Policy)
	}
	if cfg.Workers.Count != 2 || cfg.Workers.Visibility != 60*time.Second {
		t.Fatalf("got workers %+v", cfg.Workers)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
db_path: /var/lib/rejeu/app.db
log_level: debug
browser:
  remote_url: ws://chrome:9222
  stealth: true
  step_timeout: 5s
healer:
  endpoint: http://llm:8000
  model: qwen2.5-coder
  timeout: 45s
policy:
  enabled: true
  auto_approve: true
  auto_approve_threshold: 0.9
  mode: both
  approval_timeout: 2m
workers:
  count: 4
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" || cfg.LogLevel != "debug" {
		t.Fatalf("got %q %q", cfg.Listen, cfg.LogLevel)
	}
	if cfg.Browser.RemoteURL != "ws://chrome:9222" || !cfg.Browser.Stealth {
		t.Fatalf("got browser %+v", cfg.Browser)
	}
	if cfg.Browser.StepTimeout != 5*time.Second {
		t.Fatalf("got step timeout %v", cfg.Browser.StepTimeout)
	}
	if cfg.Healer.Model != "qwen2.5-coder" || cfg.Healer.Timeout != 45*time.Second {
		t.Fatalf("got healer %+v", cfg.Healer)
	}
	if cfg.Policy.AutoApproveThreshold != 0.9 || cfg.Policy.Mode != heal.ModeBoth {
		t.Fatalf("got policy %+v", cfg.Policy)
	}
	if cfg.Policy.ApprovalTimeout != 2*time.Minute {
		t.Fatalf("got approval timeout %v", cfg.Policy.ApprovalTimeout)
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("got worker count %d", cfg.Workers.Count)
	}
	// Unset fields still get defaults.
	if cfg.ObsPath != "rejeu_obs.db" {
		t.Fatalf("got obs path %q", cfg.ObsPath)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listen: ":9000"`)
	t.Setenv("REJEU_LISTEN", ":7000")
	t.Setenv("REJEU_HEALER_ENDPOINT", "http://other:8000")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7000" {
		t.Fatalf("got listen %q, env should win", cfg.Listen)
	}
	if cfg.Healer.Endpoint != "http://other:8000" {
		t.Fatalf("got endpoint %q", cfg.Healer.Endpoint)
	}
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := writeConfig(t, `
policy:
  auto_approve_threshold: 3.0
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	return store.New(db)
}

func TestPolicySourceSeedsFromStore(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	saved := heal.DefaultPolicy()
	saved.AutoApproveThreshold = 0.7
	if err := st.SavePolicy(ctx, saved); err != nil {
		t.Fatal(err)
	}

	ps := config.NewPolicySource(ctx, st, heal.DefaultPolicy(), nil)
	if got := ps.Snapshot(); got.AutoApproveThreshold != 0.7 {
		t.Fatalf("got %+v, want stored policy", got)
	}
}

func TestPolicySourceFallback(t *testing.T) {
	st := openStore(t)
	fallback := heal.DefaultPolicy()
	fallback.Mode = heal.ModeBatch

	ps := config.NewPolicySource(context.Background(), st, fallback, nil)
	// Nothing stored: LoadPolicy returns the default, not the fallback.
	if got := ps.Snapshot(); got != heal.DefaultPolicy() {
		t.Fatalf("got %+v", got)
	}
}

func TestPolicySourceUpdate(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	ps := config.NewPolicySource(ctx, st, heal.DefaultPolicy(), nil)

	p := heal.DefaultPolicy()
	p.AutoApprove = false
	if err := ps.Update(ctx, p); err != nil {
		t.Fatal(err)
	}
	if got := ps.Snapshot(); got.AutoApprove {
		t.Fatal("snapshot not swapped")
	}
	// Persisted too.
	stored, err := st.LoadPolicy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AutoApprove {
		t.Fatal("update not persisted")
	}
}

func TestPolicySourceWatchReloads(t *testing.T) {
	st := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := config.NewPolicySource(ctx, st, heal.DefaultPolicy(), nil)
	go ps.Watch(ctx, 10*time.Millisecond)

	// Simulate another writer touching the stored row.
	p := heal.DefaultPolicy()
	p.AutoApproveThreshold = 0.99
	if err := st.SavePolicy(ctx, p); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for ps.Snapshot().AutoApproveThreshold != 0.99 {
		select {
		case <-deadline:
			t.Fatal("watch never picked up the change")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
