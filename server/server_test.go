package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

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

// fakeSession scripts browser behavior for runs started by the server.
type fakeSession struct {
	mu   sync.Mutex
	exec func(ctx context.Context, st step.Step) error
}

func (s *fakeSession) Execute(ctx context.Context, st step.Step) error {
	s.mu.Lock()
	exec := s.exec
	s.mu.Unlock()
	if exec == nil {
		return nil
	}
	return exec(ctx, st)
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	return nil, errors.New("no frame")
}

func (s *fakeSession) PageInfo(context.Context) (string, string, error) {
	return "https://example.test/page", "Example", nil
}

func (s *fakeSession) HTML(context.Context) (string, error) {
	return `<html><body><button id="submit">Go</button></body></html>`, nil
}

func (s *fakeSession) Vitals(context.Context) (*browser.Vitals, error) {
	return nil, errors.New("no vitals")
}

func (s *fakeSession) Close() {}

// fakeHealer returns a scripted outcome.
type fakeHealer struct {
	outcome heal.Outcome
}

func (h *fakeHealer) Heal(context.Context, heal.Request) heal.Outcome { return h.outcome }
func (h *fakeHealer) Resolve(context.Context, string, bool)           {}

// fixture wires a full server over in-memory storage and a fake browser.
type fixture struct {
	st     *store.Store
	queue  *runq.Q
	policy *config.PolicySource
	ts     *httptest.Server
}

func newFixture(t *testing.T, exec func(ctx context.Context, st step.Step) error, healer engine.Healer) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.New(db)

	eng, err := engine.New(engine.Config{
		Sessions: func(context.Context) (engine.Session, error) {
			return &fakeSession{exec: exec}, nil
		},
		Healer: healer,
	})
	if err != nil {
		t.Fatal(err)
	}

	q := runq.New(db, runq.Options{})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	ps := config.NewPolicySource(context.Background(), st, heal.DefaultPolicy(), nil)

	srv := server.New(server.Config{
		Store:  st,
		Engine: eng,
		Queue:  q,
		Policy: ps,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{st: st, queue: q, policy: ps, ts: ts}
}

// do issues one JSON request and decodes the response body into out.
func (f *fixture) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
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
			t.Fatalf("%s %s: decode body: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) createTest(t *testing.T, name string, steps []step.Step) string {
	t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	code := f.do(t, "POST", "/api/tests", map[string]any{
		"name":     name,
		"base_url": "https://example.test",
		"steps":    steps,
	}, &created)
	if code != 201 {
		t.Fatalf("create test: got %d, want 201", code)
	}
	if created.ID == "" {
		t.Fatal("create test: no id in response")
	}
	return created.ID
}

func loginSteps() []step.Step {
	return []step.Step{
		{Index: 0, Kind: step.Navigate, Value: "https://example.test/login"},
		{Index: 1, Kind: step.Fill, Locator: `input[name="email"]`, Value: "a@b.test"},
		{Index: 2, Kind: step.Click, Locator: "#submit"},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, nil)
	var body map[string]string
	if code := f.do(t, "GET", "/health", nil, &body); code != 200 {
		t.Fatalf("got %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("got %+v", body)
	}
}

func TestTestLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	id := f.createTest(t, "login", loginSteps())

	var got struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Steps []step.Step `json:"steps"`
	}
	if code := f.do(t, "GET", "/api/tests/"+id, nil, &got); code != 200 {
		t.Fatalf("got %d, want 200", code)
	}
	if got.Name != "login" || len(got.Steps) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got.Steps[1].Locator != `input[name="email"]` {
		t.Fatalf("steps lost fidelity: %+v", got.Steps[1])
	}

	var list []json.RawMessage
	if code := f.do(t, "GET", "/api/tests", nil, &list); code != 200 {
		t.Fatal("list failed")
	}
	if len(list) != 1 {
		t.Fatalf("got %d tests, want 1", len(list))
	}

	if code := f.do(t, "DELETE", "/api/tests/"+id, nil, nil); code != 200 {
		t.Fatalf("delete: got %d, want 200", code)
	}
	if code := f.do(t, "GET", "/api/tests/"+id, nil, nil); code != 404 {
		t.Fatalf("get after delete: got %d, want 404", code)
	}
}

func TestListTestsEmptyIsArray(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp, err := http.Get(f.ts.URL + "/api/tests")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if got := string(bytes.TrimSpace(body)); got != "[]" {
		t.Fatalf("got %q, want []", got)
	}
}

func TestCreateTestValidation(t *testing.T) {
	f := newFixture(t, nil, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"steps": loginSteps()}},
		{"no steps", map[string]any{"name": "x"}},
		{"unknown step kind", map[string]any{
			"name":  "x",
			"steps": []map[string]any{{"index": 0, "kind": "teleport"}},
		}},
		{"click without locator", map[string]any{
			"name":  "x",
			"steps": []map[string]any{{"index": 0, "kind": "click"}},
		}},
	}
	for _, tc := range cases {
		if code := f.do(t, "POST", "/api/tests", tc.body, nil); code != 400 {
			t.Errorf("%s: got %d, want 400", tc.name, code)
		}
	}
}

func TestEnqueueRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	id := f.createTest(t, "login", loginSteps())

	var got map[string]string
	code := f.do(t, "POST", "/api/runs", map[string]string{"test_id": id}, &got)
	if code != 202 {
		t.Fatalf("got %d, want 202", code)
	}
	if got["run_id"] == "" || got["status"] != "queued" {
		t.Fatalf("got %+v", got)
	}
	n, err := f.queue.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("queue len %d, want 1", n)
	}
}

func TestEnqueueRunValidation(t *testing.T) {
	f := newFixture(t, nil, nil)

	if code := f.do(t, "POST", "/api/runs", map[string]string{}, nil); code != 400 {
		t.Fatalf("missing test_id: got %d, want 400", code)
	}
	if code := f.do(t, "POST", "/api/runs", map[string]string{"test_id": "test_missing"}, nil); code != 404 {
		t.Fatalf("unknown test: got %d, want 404", code)
	}
}

func TestRunEndpoints(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.createTest(t, "login", loginSteps())

	run := &store.Run{ID: "run_1", TestID: id, Status: "passed"}
	if err := f.st.InsertRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SaveResult(ctx, &store.RunResult{
		RunID: "run_1", Index: 0, Status: "passed", DurationMs: 12,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SaveVitals(ctx, &store.Vitals{
		RunID: "run_1", StepIndex: 0, URL: "https://example.test/login", LCP: 1200,
	}); err != nil {
		t.Fatal(err)
	}

	var gotRun store.Run
	if code := f.do(t, "GET", "/api/runs/run_1", nil, &gotRun); code != 200 {
		t.Fatalf("get run: got %d", code)
	}
	if gotRun.TestID != id {
		t.Fatalf("got %+v", gotRun)
	}

	var runs []*store.Run
	if code := f.do(t, "GET", "/api/runs?test_id="+id, nil, &runs); code != 200 {
		t.Fatal("list runs failed")
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}

	var results []*store.RunResult
	if code := f.do(t, "GET", "/api/runs/run_1/results", nil, &results); code != 200 {
		t.Fatal("results failed")
	}
	if len(results) != 1 || results[0].Status != "passed" {
		t.Fatalf("got %+v", results)
	}

	var vitals []*store.Vitals
	if code := f.do(t, "GET", "/api/runs/run_1/vitals", nil, &vitals); code != 200 {
		t.Fatal("vitals failed")
	}
	if len(vitals) != 1 || vitals[0].LCP != 1200 {
		t.Fatalf("got %+v", vitals)
	}

	if code := f.do(t, "GET", "/api/runs/run_missing", nil, nil); code != 404 {
		t.Fatalf("missing run: got %d, want 404", code)
	}
}

func saveSuggestion(t *testing.T, st *store.Store, id, testID string, stepIdx int) {
	t.Helper()
	err := st.SaveSuggestion(context.Background(), &heal.Suggestion{
		ID:               id,
		TestID:           testID,
		StepIndex:        stepIdx,
		OriginalLocator:  "#submit",
		SuggestedLocator: `[data-testid="submit"]`,
		Confidence:       0.74,
		Reasoning:        "id renamed",
	}, heal.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
}

func TestSuggestionReview(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.createTest(t, "login", loginSteps())
	saveSuggestion(t, f.st, "sug_1", id, 2)

	var pending map[string]int
	if code := f.do(t, "GET", "/api/healing/pending", nil, &pending); code != 200 {
		t.Fatal("pending failed")
	}
	if pending["pending"] != 1 {
		t.Fatalf("got %+v", pending)
	}

	var list []*store.SuggestionRow
	if code := f.do(t, "GET", "/api/healing?status=pending", nil, &list); code != 200 {
		t.Fatal("list failed")
	}
	if len(list) != 1 || list[0].ID != "sug_1" {
		t.Fatalf("got %+v", list)
	}

	var sug store.SuggestionRow
	code := f.do(t, "POST", "/api/healing/sug_1/approve", map[string]bool{"apply_to_test": true}, &sug)
	if code != 200 {
		t.Fatalf("approve: got %d, want 200", code)
	}
	if sug.Status != heal.StatusApplied {
		t.Fatalf("got status %q, want %q", sug.Status, heal.StatusApplied)
	}

	// apply_to_test rewrote the stored step.
	steps, err := f.st.StepsForTest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if steps[2].Locator != `[data-testid="submit"]` {
		t.Fatalf("step locator not applied: %+v", steps[2])
	}

	// Second decision conflicts.
	if code := f.do(t, "POST", "/api/healing/sug_1/approve", nil, nil); code != 409 {
		t.Fatalf("double approve: got %d, want 409", code)
	}
}

func TestRejectSuggestion(t *testing.T) {
	f := newFixture(t, nil, nil)
	id := f.createTest(t, "login", loginSteps())
	saveSuggestion(t, f.st, "sug_1", id, 2)

	var sug store.SuggestionRow
	if code := f.do(t, "POST", "/api/healing/sug_1/reject", nil, &sug); code != 200 {
		t.Fatal("reject failed")
	}
	if sug.Status != heal.StatusRejected {
		t.Fatalf("got status %q", sug.Status)
	}
	if code := f.do(t, "POST", "/api/healing/sug_missing/reject", nil, nil); code != 404 {
		t.Fatalf("missing: got %d, want 404", code)
	}
}

func TestBulkResolve(t *testing.T) {
	f := newFixture(t, nil, nil)
	id := f.createTest(t, "login", loginSteps())
	saveSuggestion(t, f.st, "sug_1", id, 1)
	saveSuggestion(t, f.st, "sug_2", id, 2)

	var got map[string]int
	code := f.do(t, "POST", "/api/healing/bulk", map[string]any{
		"ids":    []string{"sug_1", "sug_2", "sug_missing"},
		"action": "reject",
	}, &got)
	if code != 200 {
		t.Fatalf("got %d, want 200", code)
	}
	if got["resolved"] != 2 {
		t.Fatalf("resolved %d, want 2", got["resolved"])
	}

	if code := f.do(t, "POST", "/api/healing/bulk", map[string]any{
		"ids": []string{"sug_1"}, "action": "discard",
	}, nil); code != 400 {
		t.Fatalf("bad action: got %d, want 400", code)
	}
	if code := f.do(t, "POST", "/api/healing/bulk", map[string]any{
		"action": "approve",
	}, nil); code != 400 {
		t.Fatalf("empty ids: got %d, want 400", code)
	}
}

func TestPolicySettings(t *testing.T) {
	f := newFixture(t, nil, nil)

	var got heal.Policy
	if code := f.do(t, "GET", "/api/healing/settings", nil, &got); code != 200 {
		t.Fatal("get settings failed")
	}
	if got != heal.DefaultPolicy() {
		t.Fatalf("got %+v, want default", got)
	}

	p := heal.Policy{
		Enabled:              true,
		AutoApprove:          false,
		AutoApproveThreshold: 0.95,
		Mode:                 heal.ModeBatch,
		ApprovalTimeout:      time.Minute,
	}
	if code := f.do(t, "PUT", "/api/healing/settings", p, nil); code != 200 {
		t.Fatal("update settings failed")
	}
	if code := f.do(t, "GET", "/api/healing/settings", nil, &got); code != 200 {
		t.Fatal("get settings failed")
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}

	bad := p
	bad.AutoApproveThreshold = 3
	if code := f.do(t, "PUT", "/api/healing/settings", bad, nil); code != 400 {
		t.Fatal("expected 400 for invalid threshold")
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	big := bytes.Repeat([]byte("a"), 1<<20)
	body := fmt.Sprintf(`{"name":%q,"steps":[]}`, big)

	resp, err := http.Post(f.ts.URL+"/api/tests", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 && resp.StatusCode != 413 {
		t.Fatalf("got %d, want body-limit rejection", resp.StatusCode)
	}
}
