package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/rejeu/step"
)

// executeAssert checks page state. Every failure surfaces as an
// *AssertionError, including a missing element: an assertion on an absent
// element is a mismatch, not a locator failure, so it is never healed.
func (s *Session) executeAssert(ctx context.Context, st step.Step) error {
	switch st.Kind {
	case step.AssertVisible:
		return s.assertVisible(ctx, st.Locator)
	case step.AssertHidden:
		return s.assertHidden(ctx, st.Locator)
	case step.AssertText:
		return s.assertElementCompare(ctx, st, readText)
	case step.AssertValue:
		return s.assertElementCompare(ctx, st, readValue)
	case step.AssertAttribute:
		return s.assertElementCompare(ctx, st, readAttribute(st.Assert.Attribute))
	case step.AssertURL:
		return s.assertURL(ctx, st)
	default:
		return fmt.Errorf("browser: unsupported assertion kind %q", st.Kind)
	}
}

func readText(el *rod.Element) (string, error) {
	text, err := el.Text()
	return strings.TrimSpace(text), err
}

func readValue(el *rod.Element) (string, error) {
	v, err := el.Property("value")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func readAttribute(name string) func(*rod.Element) (string, error) {
	return func(el *rod.Element) (string, error) {
		v, err := el.Attribute(name)
		if err != nil {
			return "", err
		}
		if v == nil {
			return "", nil
		}
		return *v, nil
	}
}

func (s *Session) assertVisible(ctx context.Context, locator string) error {
	el, err := s.element(ctx, locator)
	if err != nil {
		return s.assertLookupErr(ctx, locator, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	if err := el.Context(waitCtx).WaitVisible(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		visible, verr := el.Context(ctx).Visible()
		if verr == nil && visible {
			return nil
		}
		return assertFail("false", "element %q is not visible", locator)
	}
	return nil
}

func (s *Session) assertHidden(ctx context.Context, locator string) error {
	// No waiting: hidden means "not there or not shown" right now.
	has, el, err := s.page.Context(ctx).Has(locator)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return assertFail("", "element %q: %v", locator, err)
	}
	if !has {
		return nil
	}
	visible, err := el.Context(ctx).Visible()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return assertFail("", "element %q: %v", locator, err)
	}
	if visible {
		return assertFail("true", "element %q is visible, expected hidden", locator)
	}
	return nil
}

func (s *Session) assertElementCompare(ctx context.Context, st step.Step, read func(*rod.Element) (string, error)) error {
	el, err := s.element(ctx, st.Locator)
	if err != nil {
		return s.assertLookupErr(ctx, st.Locator, err)
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	actual, err := read(el.Context(readCtx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return assertFail("", "element %q: read failed: %v", st.Locator, err)
	}

	ok, err := step.Compare(st.Assert.Operator, actual, st.Assert.Expected)
	if err != nil {
		return assertFail(actual, "%v", err)
	}
	if !ok {
		return assertFail(actual, "%q %s %q", actual, opName(st.Assert.Operator), st.Assert.Expected)
	}
	return nil
}

func (s *Session) assertURL(ctx context.Context, st step.Step) error {
	deadline := time.Now().Add(s.cfg.StepTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		url, _, err := s.PageInfo(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return assertFail("", "url: %v", err)
		}

		ok, err := step.Compare(st.Assert.Operator, url, st.Assert.Expected)
		if err != nil {
			return assertFail(url, "%v", err)
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return assertFail(url, "url %q %s %q (timeout)", url, opName(st.Assert.Operator), st.Assert.Expected)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// assertLookupErr turns a locator failure during an assertion into an
// assertion mismatch. Cancellation and session loss still propagate.
func (s *Session) assertLookupErr(ctx context.Context, locator string, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrSessionClosed):
		return err
	case errors.Is(err, ErrLocatorNotFound):
		return assertFail("", "element %q not found", locator)
	default:
		return err
	}
}

func opName(op step.Operator) string {
	if op == "" {
		return string(step.OpEquals)
	}
	return string(op)
}
