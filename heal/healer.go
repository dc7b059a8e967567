package heal

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/rejeu/idgen"
)

// Suggestion lifecycle statuses, shared with the persistence layer.
const (
	StatusPending     = "pending"
	StatusAutoApplied = "auto_applied"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusApplied     = "applied" // approved and written to the stored step
)

// Suggestion is the active repair candidate for one failed step. At most one
// exists per step per run.
type Suggestion struct {
	ID               string   `json:"id"`
	RunID            string   `json:"run_id"`
	TestID           string   `json:"test_id"`
	StepIndex        int      `json:"step_index"`
	OriginalLocator  string   `json:"original_locator"`
	SuggestedLocator string   `json:"suggested_locator"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	Alternatives     []string `json:"alternatives,omitempty"`
	AutoApproved     bool     `json:"auto_approved"`
}

// Sink persists suggestions for batch review and audit. Implemented by the
// store; a nil sink keeps suggestions in-memory only.
type Sink interface {
	SaveSuggestion(ctx context.Context, s *Suggestion, status string) error
	UpdateSuggestionStatus(ctx context.Context, id, status string) error
}

// AuditFunc observes every healing decision. Wired to the obs audit trail.
type AuditFunc func(operation string, params, result any, err error, duration time.Duration)

// Decision is the coordinator's verdict for one failed locator.
type Decision string

const (
	// DecisionAutoApprove: rewrite the locator for this run and re-execute.
	DecisionAutoApprove Decision = "auto_approve"

	// DecisionAwaitApproval: block the step on the approval gate.
	DecisionAwaitApproval Decision = "await_approval"

	// DecisionDeferred: batch mode — suggestion recorded for after-run
	// review, the step fails, the run continues.
	DecisionDeferred Decision = "deferred"

	// DecisionExhausted: no usable candidate. Terminal for the step.
	DecisionExhausted Decision = "exhausted"
)

// Request is one healing invocation from the sequencer.
type Request struct {
	RunID     string
	TestID    string
	StepIndex int
	Locator   string
	Page      Context
	Policy    Policy
}

// Outcome is the coordinator's answer. Suggestion is nil iff the decision is
// DecisionExhausted.
type Outcome struct {
	Decision   Decision
	Suggestion *Suggestion
}

// Healer is the healing coordinator: one Suggest call per failed step, then
// the policy decision.
type Healer struct {
	suggester Suggester
	sink      Sink
	newID     idgen.Generator
	audit     AuditFunc
	log       *slog.Logger
}

// Option configures a Healer.
type Option func(*Healer)

// WithSink sets the suggestion persistence sink.
func WithSink(s Sink) Option { return func(h *Healer) { h.sink = s } }

// WithAudit sets the decision audit hook.
func WithAudit(fn AuditFunc) Option { return func(h *Healer) { h.audit = fn } }

// WithIDGenerator overrides suggestion ID generation.
func WithIDGenerator(gen idgen.Generator) Option { return func(h *Healer) { h.newID = gen } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(h *Healer) { h.log = l } }

// New creates a Healer around a Suggester.
func New(s Suggester, opts ...Option) *Healer {
	h := &Healer{
		suggester: s,
		newID:     idgen.Prefixed("sug_", idgen.Default),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Heal converts a locator failure into a decision. The suggester is called
// exactly once; no candidates or a failed call exhausts healing for the step.
// A sink failure never blocks the decision — persistence is best-effort, the
// run must not stall on review bookkeeping.
func (h *Healer) Heal(ctx context.Context, req Request) Outcome {
	start := time.Now()
	log := h.log.With("run_id", req.RunID, "step", req.StepIndex, "locator", req.Locator)

	candidates, err := h.suggester.Suggest(ctx, req.Page)
	if err != nil {
		log.Warn("heal: suggestion call failed", "error", err)
		h.auditDecision("suggest", req, nil, err, start)
		return Outcome{Decision: DecisionExhausted}
	}
	if len(candidates) == 0 {
		log.Info("heal: no candidates")
		h.auditDecision("suggest", req, nil, nil, start)
		return Outcome{Decision: DecisionExhausted}
	}

	top := candidates[0]
	sug := &Suggestion{
		ID:               h.newID(),
		RunID:            req.RunID,
		TestID:           req.TestID,
		StepIndex:        req.StepIndex,
		OriginalLocator:  req.Locator,
		SuggestedLocator: top.Locator,
		Confidence:       top.Confidence,
		Reasoning:        top.Reasoning,
		AutoApproved:     req.Policy.ShouldAutoApprove(top.Confidence),
	}
	for _, alt := range candidates[1:] {
		sug.Alternatives = append(sug.Alternatives, alt.Locator)
	}

	out := Outcome{Suggestion: sug}
	status := StatusPending
	switch {
	case !req.Policy.Blocking():
		out.Decision = DecisionDeferred
	case sug.AutoApproved:
		out.Decision = DecisionAutoApprove
		status = StatusAutoApplied
	default:
		out.Decision = DecisionAwaitApproval
	}

	if h.sink != nil {
		if err := h.sink.SaveSuggestion(ctx, sug, status); err != nil {
			log.Warn("heal: save suggestion failed", "error", err, "suggestion_id", sug.ID)
		}
	}

	log.Info("heal: decision",
		"decision", string(out.Decision),
		"suggested", sug.SuggestedLocator,
		"confidence", sug.Confidence,
		"auto_approved", sug.AutoApproved)
	h.auditDecision(string(out.Decision), req, sug, nil, start)
	return out
}

// Resolve records the inline approval verdict for a suggestion.
func (h *Healer) Resolve(ctx context.Context, suggestionID string, approved bool) {
	if h.sink == nil || suggestionID == "" {
		return
	}
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	if err := h.sink.UpdateSuggestionStatus(ctx, suggestionID, status); err != nil {
		h.log.Warn("heal: update suggestion status failed", "error", err, "suggestion_id", suggestionID)
	}
}

func (h *Healer) auditDecision(op string, req Request, sug *Suggestion, err error, start time.Time) {
	if h.audit == nil {
		return
	}
	params := map[string]any{
		"run_id": req.RunID, "step_index": req.StepIndex, "locator": req.Locator,
	}
	h.audit(op, params, sug, err, time.Since(start))
}
