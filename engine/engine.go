// Package engine drives replay runs: a single-goroutine sequencer per run
// executes steps in order against a browser session, classifies failures,
// coordinates healing and approval, and serializes every transition onto an
// ordered event stream.
//
// One actor goroutine exclusively owns each run's execution session; the
// only surfaces exposed outside it are the event channel and the control
// methods Stop and Respond.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/idgen"
	"github.com/hazyhaar/rejeu/step"
)

// Healer is the healing coordinator the sequencer hands locator failures to.
// Satisfied by *heal.Healer.
type Healer interface {
	Heal(ctx context.Context, req heal.Request) heal.Outcome
	Resolve(ctx context.Context, suggestionID string, approved bool)
}

// Config wires an Engine.
type Config struct {
	// Sessions opens one browser session per run. Required.
	Sessions SessionFactory

	// Healer coordinates locator repair. Required when healing is enabled
	// in any run's policy.
	Healer Healer

	// NewRunID generates run identifiers. Default: "run_"-prefixed UUIDv7.
	NewRunID idgen.Generator

	// EventBuffer is the per-run event channel capacity. Default: 256.
	EventBuffer int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NewRunID == nil {
		c.NewRunID = idgen.Prefixed("run_", idgen.Default)
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine starts runs. Safe for concurrent use; every run gets its own
// session, goroutine, and event stream.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("engine: session factory is required")
	}
	cfg.defaults()
	return &Engine{cfg: cfg}, nil
}

// RunRequest describes one run to execute.
type RunRequest struct {
	// RunID is generated when empty.
	RunID  string
	TestID string

	// Steps is the immutable ordered sequence, indexes dense from zero.
	Steps []step.Step

	// Policy is the healing snapshot captured for this run.
	Policy heal.Policy
}

// Summary is the final state of a finished run.
type Summary struct {
	RunID    string        `json:"run_id"`
	TestID   string        `json:"test_id"`
	Status   RunStatus     `json:"status"`
	Results  []StepResult  `json:"results"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Run is the caller's handle on one in-flight run.
type Run struct {
	id     string
	testID string

	events chan Event
	gate   *approvalGate
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	summary *Summary
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Events is the ordered stream. Closed after the terminal event.
func (r *Run) Events() <-chan Event { return r.events }

// Done is closed when the run goroutine has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Stop aborts the run. The in-flight step is not retried; a pending
// approval wait unblocks immediately. Idempotent.
func (r *Run) Stop() { r.cancel() }

// Respond delivers an approval verdict. stepIndex < 0 resolves whichever
// request is outstanding. Returns false when nothing was pending — such
// responses are ignored by design.
func (r *Run) Respond(stepIndex int, approved bool) bool {
	if stepIndex < 0 {
		return r.gate.resolveAny(approved)
	}
	return r.gate.resolve(stepIndex, approved)
}

// Summary returns the final state. Nil until Done is closed.
func (r *Run) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Start validates the request and launches the run actor. The returned Run's
// event channel must be drained; events are delivered in generation order and
// the channel closes after exactly one terminal event.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*Run, error) {
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("engine: run has no steps")
	}
	if err := step.ValidateAll(req.Steps); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := req.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if req.RunID == "" {
		req.RunID = e.cfg.NewRunID()
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:     req.RunID,
		testID: req.TestID,
		events: make(chan Event, e.cfg.EventBuffer),
		gate:   newApprovalGate(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.execute(runCtx, run, req)
	return run, nil
}

// emit delivers an event in order, blocking on a full buffer while the run
// is live. After a stop the consumer may be gone, so delivery degrades to
// best-effort rather than wedging the actor.
func emit(ctx context.Context, run *Run, ev Event) {
	select {
	case run.events <- ev:
	case <-ctx.Done():
		select {
		case run.events <- ev:
		default:
		}
	}
}

// execute is the run actor. It owns the execution session for the whole run
// and is the single producer on the event channel.
func (e *Engine) execute(ctx context.Context, run *Run, req RunRequest) {
	defer close(run.done)
	defer close(run.events)
	defer run.cancel()

	log := e.cfg.Logger.With("run_id", run.id, "test_id", run.testID)
	es := newExecutionSession(run.id, run.testID, req.Steps)

	finish := func(status RunStatus, message string) {
		es.runStatus = status
		sum := &Summary{
			RunID:    run.id,
			TestID:   run.testID,
			Status:   status,
			Results:  es.results,
			Message:  message,
			Duration: time.Since(es.startedAt),
		}
		run.mu.Lock()
		run.summary = sum
		run.mu.Unlock()

		emit(ctx, run, StatusEvent{Status: status})
		if status == RunError {
			emit(ctx, run, ErrorEvent{Message: message})
		} else {
			emit(ctx, run, CompleteEvent{
				Success:  status == RunPassed,
				Message:  message,
				Duration: sum.Duration,
			})
		}
		log.Info("run finished", "status", string(status), "duration", sum.Duration, "failed_steps", es.failedCount())
	}

	es.runStatus = RunRunning
	emit(ctx, run, StatusEvent{Status: RunRunning})
	log.Info("run started", "steps", len(req.Steps), "healing_enabled", req.Policy.Enabled, "mode", string(req.Policy.Mode))

	sess, err := e.cfg.Sessions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			finish(RunStopped, "run stopped")
			return
		}
		finish(RunError, fmt.Sprintf("open browser session: %v", err))
		return
	}
	defer sess.Close()

	for i := range req.Steps {
		es.currentIndex = i
		st := req.Steps[i]

		if ctx.Err() != nil {
			es.record(StepResult{Index: i, Status: StepSkipped})
			emit(ctx, run, StepEvent{Index: i, Status: StepSkipped})
			finish(RunStopped, "run stopped")
			return
		}

		res, fatal, stopped := e.runStep(ctx, run, sess, st, req)
		if stopped {
			es.record(StepResult{Index: i, Status: StepSkipped})
			emit(ctx, run, StepEvent{Index: i, Status: StepSkipped})
			finish(RunStopped, "run stopped")
			return
		}
		if fatal != nil {
			res.Status = StepFailed
			res.Error = fatal.Error()
			es.record(res)
			emit(ctx, run, StepEvent{Index: i, Status: StepFailed, Error: res.Error})
			finish(RunError, fmt.Sprintf("step %d: %v", i, fatal))
			return
		}
		es.record(res)
	}

	if n := es.failedCount(); n > 0 {
		finish(RunFailed, fmt.Sprintf("completed with %d failed step(s)", n))
		return
	}
	finish(RunPassed, fmt.Sprintf("all %d steps passed", len(req.Steps)))
}

// runStep executes one step to a terminal result, including the bounded
// healing retry and the bounded timeout retry. The browser is invoked at
// most twice through healing (original + one post-heal attempt) and at most
// twice through timeout retry.
func (e *Engine) runStep(ctx context.Context, run *Run, sess Session, st step.Step, req RunRequest) (res StepResult, fatal error, stopped bool) {
	log := e.cfg.Logger.With("run_id", run.id, "step", st.Index, "kind", string(st.Kind))
	start := time.Now()
	res = StepResult{Index: st.Index}
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	emit(ctx, run, StepEvent{Index: st.Index, Status: StepRunning})

	current := st
	healed := false
	timeoutRetried := false

	for {
		err := sess.Execute(ctx, current)
		if ctx.Err() != nil {
			return res, nil, true
		}

		if err == nil {
			res.Status = StepPassed
			if healed {
				res.Status = StepHealed
				res.OriginalLocator = st.Locator
				res.HealedLocator = current.Locator
			}
			emit(ctx, run, StepEvent{Index: st.Index, Status: res.Status})
			e.screenshot(ctx, run, sess)
			if st.Kind == step.Navigate {
				e.collectMetrics(ctx, run, sess, st.Index)
			}
			return res, nil, false
		}

		switch Classify(err) {
		case FailureFatal:
			log.Error("fatal browser failure", "error", err)
			return res, err, false

		case FailureAssertion:
			log.Info("assertion failed", "error", err)
			return e.failStep(ctx, run, sess, res, err.Error()), nil, false

		case FailureTimeout:
			if timeoutRetried {
				log.Warn("step timed out twice", "error", err)
				return e.failStep(ctx, run, sess, res, err.Error()), nil, false
			}
			timeoutRetried = true
			log.Warn("step timed out, retrying once", "error", err)
			continue

		case FailureLocator:
			if healed {
				// One replacement per step per run; a second miss is terminal.
				log.Warn("healed locator failed again", "locator", current.Locator)
				return e.failStep(ctx, run, sess, res, err.Error()), nil, false
			}
			if !req.Policy.Enabled || e.cfg.Healer == nil {
				return e.failStep(ctx, run, sess, res, err.Error()), nil, false
			}

			locator, failRes, ok, wasStopped := e.healStep(ctx, run, sess, current, req, err)
			if wasStopped {
				return res, nil, true
			}
			if !ok {
				res.Error = failRes.Error
				res.Status = StepFailed
				return res, nil, false
			}
			current = current.WithLocator(locator)
			healed = true
			continue
		}
	}
}

// failStep emits the terminal failed event for a step and captures a frame.
func (e *Engine) failStep(ctx context.Context, run *Run, sess Session, res StepResult, msg string) StepResult {
	res.Status = StepFailed
	res.Error = msg
	emit(ctx, run, StepEvent{Index: res.Index, Status: StepFailed, Error: msg})
	e.screenshot(ctx, run, sess)
	return res
}

// healStep runs the healing flow for one locator failure: context collection,
// the coordinator decision, and — when required — the approval gate. ok=true
// means the step should re-execute with the returned locator.
func (e *Engine) healStep(ctx context.Context, run *Run, sess Session, st step.Step, req RunRequest, cause error) (locator string, failRes StepResult, ok, stopped bool) {
	log := e.cfg.Logger.With("run_id", run.id, "step", st.Index)
	failRes = StepResult{Index: st.Index, Status: StepFailed}

	emit(ctx, run, StepEvent{Index: st.Index, Status: StepHealing})

	outcome := e.cfg.Healer.Heal(ctx, heal.Request{
		RunID:     run.id,
		TestID:    run.testID,
		StepIndex: st.Index,
		Locator:   st.Locator,
		Page:      e.pageContext(ctx, sess, st, cause),
		Policy:    req.Policy,
	})
	if ctx.Err() != nil {
		return "", failRes, false, true
	}

	if outcome.Decision == heal.DecisionExhausted {
		msg := fmt.Sprintf("healing exhausted: no usable suggestion for %q", st.Locator)
		emit(ctx, run, StepEvent{Index: st.Index, Status: StepFailed, Error: msg})
		e.screenshot(ctx, run, sess)
		failRes.Error = msg
		return "", failRes, false, false
	}

	sug := outcome.Suggestion
	emit(ctx, run, HealingEvent{
		StepIndex:            sug.StepIndex,
		OriginalSelector:     sug.OriginalLocator,
		SuggestedSelector:    sug.SuggestedLocator,
		Confidence:           sug.Confidence,
		Reasoning:            sug.Reasoning,
		AlternativeSelectors: sug.Alternatives,
		AutoApproved:         sug.AutoApproved,
	})
	e.screenshot(ctx, run, sess)

	switch outcome.Decision {
	case heal.DecisionAutoApprove:
		return sug.SuggestedLocator, failRes, true, false

	case heal.DecisionDeferred:
		// Batch mode: the suggestion is queued for review, the step fails.
		msg := fmt.Sprintf("locator %q not found; suggestion queued for review", st.Locator)
		emit(ctx, run, StepEvent{Index: st.Index, Status: StepFailed, Error: msg})
		failRes.Error = msg
		return "", failRes, false, false

	case heal.DecisionAwaitApproval:
		emit(ctx, run, StepEvent{Index: st.Index, Status: StepWaitingApproval})
		emit(ctx, run, ApprovalRequestEvent{
			StepIndex:         sug.StepIndex,
			OriginalSelector:  sug.OriginalLocator,
			SuggestedSelector: sug.SuggestedLocator,
			Confidence:        sug.Confidence,
			Reasoning:         sug.Reasoning,
		})
		log.Info("awaiting approval", "suggested", sug.SuggestedLocator, "confidence", sug.Confidence)

		approved, timedOut, err := run.gate.wait(ctx.Done(), st.Index, req.Policy.ApprovalTimeout)
		if err != nil {
			return "", failRes, false, true
		}
		if timedOut {
			e.cfg.Healer.Resolve(ctx, sug.ID, false)
			msg := fmt.Sprintf("approval timed out after %s", req.Policy.ApprovalTimeout)
			emit(ctx, run, StepEvent{Index: st.Index, Status: StepFailed, Error: msg})
			failRes.Error = msg
			return "", failRes, false, false
		}
		e.cfg.Healer.Resolve(ctx, sug.ID, approved)
		if !approved {
			msg := fmt.Sprintf("healing suggestion for %q rejected", st.Locator)
			emit(ctx, run, StepEvent{Index: st.Index, Status: StepFailed, Error: msg})
			failRes.Error = msg
			return "", failRes, false, false
		}
		return sug.SuggestedLocator, failRes, true, false
	}

	failRes.Error = fmt.Sprintf("unknown healing decision %q", outcome.Decision)
	return "", failRes, false, false
}

// pageContext gathers the failure context for the suggestion generator.
// Every read is best-effort; a broken page still heals on whatever context
// survives.
func (e *Engine) pageContext(ctx context.Context, sess Session, st step.Step, cause error) heal.Context {
	url, title, err := sess.PageInfo(ctx)
	if err != nil {
		url, title = "", ""
	}
	pageHTML, err := sess.HTML(ctx)
	if err != nil {
		pageHTML = ""
	}
	return heal.CollectContext(url, title, st.Locator, string(st.Kind), cause.Error(), pageHTML)
}

// screenshot captures and emits a frame. Failures are silent.
func (e *Engine) screenshot(ctx context.Context, run *Run, sess Session) {
	if ctx.Err() != nil {
		return
	}
	frame, err := sess.Screenshot(ctx)
	if err != nil || len(frame) == 0 {
		return
	}
	emit(ctx, run, ScreenshotEvent{Data: frame})
}

// collectMetrics captures page vitals after a successful navigation.
// Absence of metrics is a valid, silent outcome.
func (e *Engine) collectMetrics(ctx context.Context, run *Run, sess Session, stepIndex int) {
	v, err := sess.Vitals(ctx)
	if err != nil || v == nil {
		return
	}
	url, _, err := sess.PageInfo(ctx)
	if err != nil {
		url = ""
	}
	emit(ctx, run, MetricsEvent{
		StepIndex:        stepIndex,
		URL:              url,
		TTFB:             v.TTFB,
		FCP:              v.FCP,
		LCP:              v.LCP,
		DOMContentLoaded: v.DOMContentLoaded,
		Load:             v.Load,
		CLS:              v.CLS,
		Ratings:          v.Ratings(),
	})
}
