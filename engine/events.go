package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind enumerates the closed set of messages a run can emit.
type EventKind string

const (
	KindStatus          EventKind = "status"
	KindScreenshot      EventKind = "screenshot"
	KindStep            EventKind = "step"
	KindMetrics         EventKind = "metrics"
	KindHealing         EventKind = "healing"
	KindApprovalRequest EventKind = "approval_request"
	KindComplete        EventKind = "complete"
	KindError           EventKind = "error"
)

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepPassed          StepStatus = "passed"
	StepFailed          StepStatus = "failed"
	StepHealing         StepStatus = "healing"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepHealed          StepStatus = "healed"
	StepSkipped         StepStatus = "skipped"
)

// Terminal reports whether the status is an end state for a step.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepPassed, StepFailed, StepHealed, StepSkipped:
		return true
	}
	return false
}

// RunStatus is the run-level state machine.
type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunStopped RunStatus = "stopped"
	RunError   RunStatus = "error"
)

// Event is one message on a run's ordered stream. The set of implementations
// is closed: the eight kinds above and nothing else, so a consumer switching
// on the concrete type covers the whole protocol at compile time.
type Event interface {
	Kind() EventKind
}

// StatusEvent reports a run-level transition.
type StatusEvent struct {
	Status RunStatus `json:"status"`
}

// ScreenshotEvent carries a JPEG frame captured after a step transition.
type ScreenshotEvent struct {
	Data []byte `json:"data"`
}

// StepEvent reports one step-result transition.
type StepEvent struct {
	Index  int        `json:"index"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// MetricsEvent carries page-load timing captured after a navigate step.
type MetricsEvent struct {
	StepIndex        int               `json:"step_index"`
	URL              string            `json:"url"`
	TTFB             float64           `json:"ttfb"`
	FCP              float64           `json:"fcp"`
	LCP              float64           `json:"lcp"`
	DOMContentLoaded float64           `json:"dom_content_loaded"`
	Load             float64           `json:"load"`
	CLS              float64           `json:"cls"`
	Ratings          map[string]string `json:"ratings"`
}

// HealingEvent surfaces a suggestion produced for a failed locator.
type HealingEvent struct {
	StepIndex            int      `json:"step_index"`
	OriginalSelector     string   `json:"original_selector"`
	SuggestedSelector    string   `json:"suggested_selector"`
	Confidence           float64  `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	AlternativeSelectors []string `json:"alternative_selectors,omitempty"`
	AutoApproved         bool     `json:"auto_approved"`
}

// ApprovalRequestEvent suspends the run until the caller answers with an
// approval response for the same step.
type ApprovalRequestEvent struct {
	StepIndex         int     `json:"step_index"`
	OriginalSelector  string  `json:"original_selector"`
	SuggestedSelector string  `json:"suggested_selector"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning"`
}

// CompleteEvent is the terminal message of a successful-or-not run.
// Exactly one of CompleteEvent or ErrorEvent ends every stream.
type CompleteEvent struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// ErrorEvent is the terminal message of a fatally aborted run.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (StatusEvent) Kind() EventKind          { return KindStatus }
func (ScreenshotEvent) Kind() EventKind      { return KindScreenshot }
func (StepEvent) Kind() EventKind            { return KindStep }
func (MetricsEvent) Kind() EventKind         { return KindMetrics }
func (HealingEvent) Kind() EventKind         { return KindHealing }
func (ApprovalRequestEvent) Kind() EventKind { return KindApprovalRequest }
func (CompleteEvent) Kind() EventKind        { return KindComplete }
func (ErrorEvent) Kind() EventKind           { return KindError }

// Terminal reports whether the event ends the stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case CompleteEvent, ErrorEvent:
		return true
	}
	return false
}

// wireMsg is the {type, data} envelope sent to external consumers.
type wireMsg struct {
	Type EventKind `json:"type"`
	Data any       `json:"data"`
}

// MarshalWire serialises an event into its wire envelope. The complete
// event's duration is flattened to milliseconds on the wire.
func MarshalWire(e Event) ([]byte, error) {
	var data any = e
	switch ev := e.(type) {
	case CompleteEvent:
		data = struct {
			Success  bool   `json:"success"`
			Message  string `json:"message"`
			Duration int64  `json:"duration"`
		}{ev.Success, ev.Message, ev.Duration.Milliseconds()}
	case ScreenshotEvent:
		// []byte marshals as base64, which is the wire format for frames.
	}
	b, err := json.Marshal(wireMsg{Type: e.Kind(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("engine: marshal %s event: %w", e.Kind(), err)
	}
	return b, nil
}
