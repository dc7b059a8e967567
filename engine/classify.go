package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/hazyhaar/rejeu/browser"
)

// FailureKind categorizes a browser failure for the sequencer.
type FailureKind string

const (
	// FailureLocator means the element could not be found. Eligible for healing.
	FailureLocator FailureKind = "locator_not_found"

	// FailureAssertion means the page was reachable but a comparison failed.
	// Terminal for the step, never healed.
	FailureAssertion FailureKind = "assertion_mismatch"

	// FailureTimeout means an operation exceeded its bound after the element
	// was resolved. Retried once without healing, then terminal.
	FailureTimeout FailureKind = "timeout"

	// FailureFatal means the session or driver broke. Aborts the whole run.
	FailureFatal FailureKind = "fatal"
)

// Classify maps a browser error to exactly one failure kind. The decision is
// made from the error shape alone — typed sentinels and assertion errors from
// the browser package — never from locator content. Context cancellation is
// the caller's concern (a stop, not a failure) and must be handled before
// classification.
func Classify(err error) FailureKind {
	var assertErr *browser.AssertionError
	switch {
	case errors.As(err, &assertErr):
		return FailureAssertion
	case errors.Is(err, browser.ErrLocatorNotFound):
		return FailureLocator
	case errors.Is(err, browser.ErrTimeout):
		return FailureTimeout
	case errors.Is(err, browser.ErrSessionClosed):
		return FailureFatal
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case isConnectionLoss(err):
		return FailureFatal
	default:
		// An unrecognized driver error means the session state is unknown;
		// continuing would replay against a page we cannot reason about.
		return FailureFatal
	}
}

func isConnectionLoss(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "websocket") && strings.Contains(msg, "closed") ||
		strings.Contains(msg, "cdp") && strings.Contains(msg, "closed") ||
		strings.Contains(msg, "eof")
}
