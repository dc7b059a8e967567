// Package heal turns a failed locator into a repair decision: it gathers
// page context, asks a suggestion generator for ranked candidate locators,
// and applies the confidence policy that decides between auto-apply, human
// approval, and after-run batch review.
package heal

import (
	"fmt"
	"time"
)

// Mode selects when healing suggestions are resolved.
type Mode string

const (
	// ModeInline resolves suggestions during the run, blocking the step on
	// human approval when confidence is below the threshold.
	ModeInline Mode = "inline"

	// ModeBatch collects suggestions for after-run review. The run proceeds
	// past the failed step without blocking.
	ModeBatch Mode = "batch"

	// ModeBoth does inline blocking approval and retains the suggestion for
	// batch review regardless of the inline outcome.
	ModeBoth Mode = "both"
)

// Policy is the healing configuration a run captures at start. It is a
// read-only snapshot: edits to the stored policy affect only runs and
// decisions made after the edit.
type Policy struct {
	Enabled              bool          `yaml:"enabled" json:"enabled"`
	AutoApprove          bool          `yaml:"auto_approve" json:"auto_approve"`
	AutoApproveThreshold float64       `yaml:"auto_approve_threshold" json:"auto_approve_threshold"`
	Mode                 Mode          `yaml:"mode" json:"mode"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout" json:"approval_timeout"`
}

// DefaultPolicy returns the policy used when nothing is configured:
// healing on, auto-approve at 0.85, inline, no approval timeout.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:              true,
		AutoApprove:          true,
		AutoApproveThreshold: 0.85,
		Mode:                 ModeInline,
	}
}

// Validate checks threshold and mode ranges.
func (p Policy) Validate() error {
	if p.AutoApproveThreshold < 0 || p.AutoApproveThreshold > 1 {
		return fmt.Errorf("heal: auto_approve_threshold %v outside [0,1]", p.AutoApproveThreshold)
	}
	switch p.Mode {
	case ModeInline, ModeBatch, ModeBoth, "":
	default:
		return fmt.Errorf("heal: unknown mode %q", p.Mode)
	}
	return nil
}

// ShouldAutoApprove applies the decision rule to one candidate confidence.
func (p Policy) ShouldAutoApprove(confidence float64) bool {
	return p.Enabled && p.AutoApprove && confidence >= p.AutoApproveThreshold
}

// Blocking reports whether the mode resolves suggestions during the run.
func (p Policy) Blocking() bool {
	return p.Mode != ModeBatch
}
