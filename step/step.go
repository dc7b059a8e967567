// Package step defines the immutable step model a run executes: ordered
// browser actions and assertions, plus the assertion comparison operators.
package step

import (
	"fmt"
	"strings"
)

// Kind identifies one step action or assertion.
type Kind string

const (
	Navigate Kind = "navigate"
	Click    Kind = "click"
	Fill     Kind = "fill"
	Wait     Kind = "wait"
	Scroll   Kind = "scroll"
	Hover    Kind = "hover"

	AssertVisible   Kind = "assert_visible"
	AssertHidden    Kind = "assert_hidden"
	AssertText      Kind = "assert_text"
	AssertValue     Kind = "assert_value"
	AssertAttribute Kind = "assert_attribute"
	AssertURL       Kind = "assert_url"
)

// IsAssertion reports whether the kind checks page state instead of acting on it.
func (k Kind) IsAssertion() bool {
	return strings.HasPrefix(string(k), "assert_")
}

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case Navigate, Click, Fill, Wait, Scroll, Hover,
		AssertVisible, AssertHidden, AssertText, AssertValue, AssertAttribute, AssertURL:
		return true
	}
	return false
}

// Assertion configures the comparison an assert_* step performs.
// Operator defaults to equals when empty.
type Assertion struct {
	Operator  Operator `json:"operator,omitempty"`
	Expected  string   `json:"expected,omitempty"`
	Attribute string   `json:"attribute,omitempty"`
}

// Step is one atomic browser action or assertion within a run.
// Steps are immutable once a run starts; Index is the position in the
// run's total order and is never reordered mid-run.
type Step struct {
	Index   int        `json:"index"`
	Kind    Kind       `json:"kind"`
	Locator string     `json:"locator,omitempty"`
	Value   string     `json:"value,omitempty"`
	Assert  *Assertion `json:"assert,omitempty"`
}

// WithLocator returns a copy of s executing against a different locator.
// Used by healing retries; the original step is never mutated.
func (s Step) WithLocator(locator string) Step {
	s.Locator = locator
	return s
}

// Validate checks the per-kind field requirements.
func (s Step) Validate() error {
	if !s.Kind.Known() {
		return fmt.Errorf("step %d: unknown kind %q", s.Index, s.Kind)
	}

	needLocator := false
	switch s.Kind {
	case Navigate:
		if s.Value == "" {
			return fmt.Errorf("step %d: navigate requires a url value", s.Index)
		}
	case Fill:
		if s.Value == "" {
			return fmt.Errorf("step %d: fill requires a value", s.Index)
		}
		needLocator = true
	case Click, Hover, AssertVisible, AssertHidden:
		needLocator = true
	case AssertText, AssertValue, AssertAttribute:
		needLocator = true
		if s.Assert == nil {
			return fmt.Errorf("step %d: %s requires an assertion config", s.Index, s.Kind)
		}
	case AssertURL:
		if s.Assert == nil || s.Assert.Expected == "" {
			return fmt.Errorf("step %d: assert_url requires an expected value", s.Index)
		}
	}

	if needLocator && s.Locator == "" {
		return fmt.Errorf("step %d: %s requires a locator", s.Index, s.Kind)
	}
	if s.Kind == AssertAttribute && s.Assert.Attribute == "" {
		return fmt.Errorf("step %d: assert_attribute requires an attribute name", s.Index)
	}
	return nil
}

// ValidateAll validates a step sequence and checks that indexes are dense
// and ascending from zero.
func ValidateAll(steps []Step) error {
	for i, s := range steps {
		if s.Index != i {
			return fmt.Errorf("step %d: index %d out of order", i, s.Index)
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
