// Package e2e tests cross-package integration: store, healer, engine, queue
// worker, and HTTP server composed over one shared database — the production
// wiring pattern.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/rejeu/browser"
	"github.com/hazyhaar/rejeu/config"
	"github.com/hazyhaar/rejeu/dbopen"
	"github.com/hazyhaar/rejeu/engine"
	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/runq"
	"github.com/hazyhaar/rejeu/server"
	"github.com/hazyhaar/rejeu/step"
	"github.com/hazyhaar/rejeu/store"
)

// --- test fakes ---

// brokenLocatorSession fails every step targeting the broken locator and
// records executed locators.
type brokenLocatorSession struct {
	broken string

	mu    sync.Mutex
	calls []string
}

func (s *brokenLocatorSession) Execute(_ context.Context, st step.Step) error {
	s.mu.Lock()
	s.calls = append(s.calls, st.Locator)
	s.mu.Unlock()
	if st.Locator == s.broken {
		return browser.ErrLocatorNotFound
	}
	return nil
}

func (s *brokenLocatorSession) Screenshot(context.Context) ([]byte, error) {
	return nil, errors.New("no frame")
}

func (s *brokenLocatorSession) PageInfo(context.Context) (string, string, error) {
	return "https://example.test/checkout", "Checkout", nil
}

func (s *brokenLocatorSession) HTML(context.Context) (string, error) {
	return `<html><body><button data-testid="pay">Pay</button></body></html>`, nil
}

func (s *brokenLocatorSession) Vitals(context.Context) (*browser.Vitals, error) {
	return nil, errors.New("no vitals")
}

func (s *brokenLocatorSession) Close() {}

// scriptedSuggester always proposes the same replacement.
type scriptedSuggester struct {
	locator    string
	confidence float64
}

func (s *scriptedSuggester) Suggest(context.Context, heal.Context) ([]heal.Candidate, error) {
	return []heal.Candidate{{
		Locator:    s.locator,
		Confidence: s.confidence,
		Reasoning:  "button now carries a test id",
	}}, nil
}

// --- harness ---

type harness struct {
	st    *store.Store
	queue *runq.Q
	w     *runq.Worker
	sess  *brokenLocatorSession
	ts    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.New(db)

	sess := &brokenLocatorSession{broken: "#pay"}
	healer := heal.New(
		&scriptedSuggester{locator: `[data-testid="pay"]`, confidence: 0.95},
		heal.WithSink(st),
	)
	eng, err := engine.New(engine.Config{
		Sessions: func(context.Context) (engine.Session, error) { return sess, nil },
		Healer:   healer,
	})
	if err != nil {
		t.Fatal(err)
	}

	q := runq.New(db, runq.Options{})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	w := runq.NewWorker(eng, st, q, nil)

	ps := config.NewPolicySource(ctx, st, heal.DefaultPolicy(), nil)
	srv := server.New(server.Config{Store: st, Engine: eng, Queue: q, Policy: ps})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{st: st, queue: q, w: w, sess: sess, ts: ts}
}

func (h *harness) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// enqueueAndRun schedules a run over REST and drives it through the worker.
func (h *harness) enqueueAndRun(t *testing.T, testID string) string {
	t.Helper()
	ctx := context.Background()

	var queued map[string]string
	if code := h.do(t, "POST", "/api/runs", map[string]string{"test_id": testID}, &queued); code != 202 {
		t.Fatalf("enqueue: got %d, want 202", code)
	}

	job, err := h.queue.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.RunID != queued["run_id"] {
		t.Fatalf("claimed %+v, want run %s", job, queued["run_id"])
	}
	if err := h.w.Handle(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	return job.RunID
}

// --- E2E: record, fail, review, re-run ---

// TestE2E_SelfHealingLoop walks the whole product loop: a recorded test breaks
// on a renamed locator, the queued run collects a suggestion in batch mode,
// a reviewer approves it onto the stored test, and the next run passes.
func TestE2E_SelfHealingLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var created struct {
		ID string `json:"id"`
	}
	code := h.do(t, "POST", "/api/tests", map[string]any{
		"name": "checkout",
		"steps": []step.Step{
			{Index: 0, Kind: step.Navigate, Value: "https://example.test/checkout"},
			{Index: 1, Kind: step.Click, Locator: "#pay"},
		},
	}, &created)
	if code != 201 {
		t.Fatalf("create test: got %d, want 201", code)
	}

	// First run: the locator is broken. Queued runs heal in batch mode, so
	// the step fails and the suggestion lands in the review queue.
	runID := h.enqueueAndRun(t, created.ID)

	var run store.Run
	if code := h.do(t, "GET", "/api/runs/"+runID, nil, &run); code != 200 {
		t.Fatal("get run failed")
	}
	if run.Status != "failed" {
		t.Fatalf("first run status %q, want failed", run.Status)
	}

	var pending []*store.SuggestionRow
	if code := h.do(t, "GET", "/api/healing?status=pending", nil, &pending); code != 200 {
		t.Fatal("list pending failed")
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending suggestions, want 1", len(pending))
	}
	sug := pending[0]
	if sug.RunID != runID || sug.StepIndex != 1 || sug.SuggestedLocator != `[data-testid="pay"]` {
		t.Fatalf("got suggestion %+v", sug)
	}

	// Review: approve and apply to the stored test.
	var decided store.SuggestionRow
	code = h.do(t, "POST", "/api/healing/"+sug.ID+"/approve",
		map[string]bool{"apply_to_test": true}, &decided)
	if code != 200 {
		t.Fatalf("approve: got %d, want 200", code)
	}
	if decided.Status != heal.StatusApplied {
		t.Fatalf("got status %q, want %q", decided.Status, heal.StatusApplied)
	}
	steps, err := h.st.StepsForTest(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if steps[1].Locator != `[data-testid="pay"]` {
		t.Fatalf("stored step not rewritten: %+v", steps[1])
	}

	// Second run executes the repaired locator and passes.
	runID2 := h.enqueueAndRun(t, created.ID)
	if code := h.do(t, "GET", "/api/runs/"+runID2, nil, &run); code != 200 {
		t.Fatal("get second run failed")
	}
	if run.Status != "passed" {
		t.Fatalf("second run status %q, want passed", run.Status)
	}

	var results []*store.RunResult
	if code := h.do(t, "GET", "/api/runs/"+runID2+"/results", nil, &results); code != 200 {
		t.Fatal("results failed")
	}
	if len(results) != 2 || results[1].Status != "passed" {
		t.Fatalf("got results %+v", results)
	}
}
