package engine

import (
	"context"
	"time"

	"github.com/hazyhaar/rejeu/browser"
	"github.com/hazyhaar/rejeu/step"
)

// Session is the browser surface the sequencer drives. Satisfied by
// *browser.Session; tests substitute fakes.
type Session interface {
	Execute(ctx context.Context, st step.Step) error
	Screenshot(ctx context.Context) ([]byte, error)
	PageInfo(ctx context.Context) (url, title string, err error)
	HTML(ctx context.Context) (string, error)
	Vitals(ctx context.Context) (*browser.Vitals, error)
	Close()
}

// SessionFactory opens one browser session for one run.
type SessionFactory func(ctx context.Context) (Session, error)

// StepResult is the recorded outcome of one step. Status is set once to a
// terminal value; a healed step carries both locators.
type StepResult struct {
	Index           int        `json:"index"`
	Status          StepStatus `json:"status"`
	Error           string     `json:"error,omitempty"`
	OriginalLocator string     `json:"original_locator,omitempty"`
	HealedLocator   string     `json:"healed_locator,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
}

// executionSession is the per-run bookkeeping exclusively owned by the
// sequencer goroutine. Nothing outside the actor reads or writes it.
type executionSession struct {
	runID        string
	testID       string
	steps        []step.Step
	results      []StepResult
	currentIndex int
	runStatus    RunStatus
	startedAt    time.Time
}

func newExecutionSession(runID, testID string, steps []step.Step) *executionSession {
	return &executionSession{
		runID:     runID,
		testID:    testID,
		steps:     steps,
		results:   make([]StepResult, 0, len(steps)),
		runStatus: RunIdle,
		startedAt: time.Now(),
	}
}

// record appends the terminal result for the current step.
func (s *executionSession) record(r StepResult) {
	s.results = append(s.results, r)
}

func (s *executionSession) failedCount() int {
	n := 0
	for _, r := range s.results {
		if r.Status == StepFailed {
			n++
		}
	}
	return n
}
