package heal_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hazyhaar/rejeu/heal"
)

type fakeSuggester struct {
	candidates []heal.Candidate
	err        error
	calls      int
}

func (f *fakeSuggester) Suggest(context.Context, heal.Context) ([]heal.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

type memSink struct {
	mu       sync.Mutex
	saved    []*heal.Suggestion
	statuses map[string]string
	saveErr  error
}

func newMemSink() *memSink {
	return &memSink{statuses: make(map[string]string)}
}

func (m *memSink) SaveSuggestion(_ context.Context, s *heal.Suggestion, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, s)
	m.statuses[s.ID] = status
	return nil
}

func (m *memSink) UpdateSuggestionStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	return nil
}

func request(policy heal.Policy) heal.Request {
	return heal.Request{
		RunID:     "run_1",
		TestID:    "tst_1",
		StepIndex: 2,
		Locator:   "#old-button",
		Policy:    policy,
	}
}

func candidates(confidences ...float64) []heal.Candidate {
	var out []heal.Candidate
	for i, c := range confidences {
		out = append(out, heal.Candidate{
			Locator:    []string{"#new-button", "[data-testid=\"btn\"]", "button.primary"}[i%3],
			Confidence: c,
			Reasoning:  "renamed",
		})
	}
	return out
}

func TestHealAutoApproveAboveThreshold(t *testing.T) {
	sink := newMemSink()
	h := heal.New(&fakeSuggester{candidates: candidates(0.92, 0.6)}, heal.WithSink(sink))

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	if out.Decision != heal.DecisionAutoApprove {
		t.Fatalf("got decision %q, want auto_approve", out.Decision)
	}
	sug := out.Suggestion
	if sug == nil {
		t.Fatal("no suggestion on auto-approve")
	}
	if !sug.AutoApproved {
		t.Fatal("auto_approved flag not set")
	}
	if sug.SuggestedLocator != "#new-button" {
		t.Fatalf("got locator %q, want top candidate", sug.SuggestedLocator)
	}
	if len(sug.Alternatives) != 1 {
		t.Fatalf("got %d alternatives, want 1", len(sug.Alternatives))
	}
	if got := sink.statuses[sug.ID]; got != heal.StatusAutoApplied {
		t.Fatalf("persisted status %q, want auto_applied", got)
	}
}

func TestHealAwaitApprovalBelowThreshold(t *testing.T) {
	sink := newMemSink()
	h := heal.New(&fakeSuggester{candidates: candidates(0.5)}, heal.WithSink(sink))

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	if out.Decision != heal.DecisionAwaitApproval {
		t.Fatalf("got decision %q, want await_approval", out.Decision)
	}
	if out.Suggestion.AutoApproved {
		t.Fatal("low-confidence suggestion flagged auto-approved")
	}
	if got := sink.statuses[out.Suggestion.ID]; got != heal.StatusPending {
		t.Fatalf("persisted status %q, want pending", got)
	}
}

func TestHealExactThresholdAutoApproves(t *testing.T) {
	h := heal.New(&fakeSuggester{candidates: candidates(0.85)})

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	if out.Decision != heal.DecisionAutoApprove {
		t.Fatalf("got decision %q, want auto_approve at the exact threshold", out.Decision)
	}
}

func TestHealBatchModeDefers(t *testing.T) {
	sink := newMemSink()
	h := heal.New(&fakeSuggester{candidates: candidates(0.95)}, heal.WithSink(sink))

	policy := heal.DefaultPolicy()
	policy.Mode = heal.ModeBatch

	out := h.Heal(context.Background(), request(policy))
	if out.Decision != heal.DecisionDeferred {
		t.Fatalf("got decision %q, want deferred", out.Decision)
	}
	// Batch suggestions always land in the review queue as pending, even
	// above the auto-approve threshold.
	if got := sink.statuses[out.Suggestion.ID]; got != heal.StatusPending {
		t.Fatalf("persisted status %q, want pending", got)
	}
}

func TestHealAutoApproveDisabled(t *testing.T) {
	h := heal.New(&fakeSuggester{candidates: candidates(0.99)})

	policy := heal.DefaultPolicy()
	policy.AutoApprove = false

	out := h.Heal(context.Background(), request(policy))
	if out.Decision != heal.DecisionAwaitApproval {
		t.Fatalf("got decision %q, want await_approval", out.Decision)
	}
}

func TestHealExhaustedOnNoCandidates(t *testing.T) {
	sug := &fakeSuggester{}
	h := heal.New(sug)

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	if out.Decision != heal.DecisionExhausted {
		t.Fatalf("got decision %q, want exhausted", out.Decision)
	}
	if out.Suggestion != nil {
		t.Fatal("exhausted outcome carries a suggestion")
	}
	if sug.calls != 1 {
		t.Fatalf("suggester called %d times, want exactly 1", sug.calls)
	}
}

func TestHealExhaustedOnSuggesterError(t *testing.T) {
	h := heal.New(&fakeSuggester{err: errors.New("model unavailable")})

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	if out.Decision != heal.DecisionExhausted {
		t.Fatalf("got decision %q, want exhausted", out.Decision)
	}
}

func TestHealSinkFailureDoesNotBlockDecision(t *testing.T) {
	sink := newMemSink()
	sink.saveErr = errors.New("disk full")
	h := heal.New(&fakeSuggester{candidates: candidates(0.92)}, heal.WithSink(sink))

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	if out.Decision != heal.DecisionAutoApprove {
		t.Fatalf("got decision %q, sink failure must not change the outcome", out.Decision)
	}
}

func TestResolveUpdatesStatus(t *testing.T) {
	sink := newMemSink()
	h := heal.New(&fakeSuggester{candidates: candidates(0.5)}, heal.WithSink(sink))

	out := h.Heal(context.Background(), request(heal.DefaultPolicy()))
	id := out.Suggestion.ID

	h.Resolve(context.Background(), id, true)
	if got := sink.statuses[id]; got != heal.StatusApproved {
		t.Fatalf("got status %q, want approved", got)
	}
	h.Resolve(context.Background(), id, false)
	if got := sink.statuses[id]; got != heal.StatusRejected {
		t.Fatalf("got status %q, want rejected", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	good := heal.DefaultPolicy()
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := good
	bad.AutoApproveThreshold = 1.2
	if err := bad.Validate(); err == nil {
		t.Fatal("threshold above 1 should fail validation")
	}

	bad = good
	bad.Mode = "interactive"
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown mode should fail validation")
	}
}

func TestPolicyBlocking(t *testing.T) {
	p := heal.DefaultPolicy()
	if !p.Blocking() {
		t.Fatal("inline mode should block")
	}
	p.Mode = heal.ModeBoth
	if !p.Blocking() {
		t.Fatal("both mode should block")
	}
	p.Mode = heal.ModeBatch
	if p.Blocking() {
		t.Fatal("batch mode should not block")
	}
}

func TestShouldAutoApprove(t *testing.T) {
	p := heal.DefaultPolicy()
	if !p.ShouldAutoApprove(0.9) {
		t.Fatal("0.9 should auto-approve at threshold 0.85")
	}
	if p.ShouldAutoApprove(0.84) {
		t.Fatal("0.84 should not auto-approve at threshold 0.85")
	}
	p.Enabled = false
	if p.ShouldAutoApprove(0.99) {
		t.Fatal("disabled policy should never auto-approve")
	}
}
