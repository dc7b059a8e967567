package browser

import (
	"errors"
	"fmt"
)

// Sentinel failures a session can return. The run engine classifies on
// these shapes alone, never on locator content.
var (
	// ErrLocatorNotFound means the step's locator matched no element within
	// the step timeout. Eligible for healing.
	ErrLocatorNotFound = errors.New("browser: locator not found")

	// ErrTimeout means an operation exceeded its bound after the element
	// was resolved (navigation, action on a found element).
	ErrTimeout = errors.New("browser: operation timed out")

	// ErrSessionClosed means the page or browser connection is gone.
	ErrSessionClosed = errors.New("browser: session closed")
)

// AssertionError reports a failed assertion comparison. It is step-terminal
// and never eligible for healing, regardless of why the check failed.
type AssertionError struct {
	Message string
	Actual  string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("browser: assertion failed: %s", e.Message)
}

func assertFail(actual, format string, args ...any) error {
	return &AssertionError{Message: fmt.Sprintf(format, args...), Actual: actual}
}
