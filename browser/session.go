package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/rejeu/step"
)

// Session owns one page for the lifetime of one run. All calls are bound
// to the caller's context; cancelling the run context releases the page.
type Session struct {
	page *rod.Page // bound to the session context
	raw  *rod.Page // browser-scoped handle, used to close after cancel
	cfg  Config
	log  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewSession opens a fresh page for a run. The page is closed when Close
// is called or ctx is cancelled, whichever comes first.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	b, err := m.rod()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1280, Height: 720, DeviceScaleFactor: 1,
	}); err != nil {
		m.cfg.Logger.Warn("browser: set viewport failed", "error", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		page:   page.Context(sctx),
		raw:    page,
		cfg:    m.cfg,
		log:    m.cfg.Logger,
		ctx:    sctx,
		cancel: cancel,
	}

	// Auto-accept alert/confirm/prompt dialogs so they never wedge a step.
	go s.page.EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		s.log.Debug("browser: auto-accepting dialog", "type", string(e.Type), "message", e.Message)
		_ = proto.PageHandleJavaScriptDialog{Accept: true}.Call(s.page)
	})()

	return s, nil
}

// Close releases the page. Idempotent; safe after the run context died.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.raw.Context(closeCtx).Close(); err != nil {
			s.log.Debug("browser: page close", "error", err)
		}
	})
}

// Execute runs one step against the page. Failures come back as
// ErrLocatorNotFound, ErrTimeout, *AssertionError, a context error, or a
// raw driver error when the session itself broke.
func (s *Session) Execute(ctx context.Context, st step.Step) error {
	if st.Kind.IsAssertion() {
		return s.executeAssert(ctx, st)
	}

	switch st.Kind {
	case step.Navigate:
		return s.navigate(ctx, st.Value)
	case step.Click:
		return s.click(ctx, st.Locator)
	case step.Fill:
		return s.fill(ctx, st.Locator, st.Value)
	case step.Wait:
		return s.waitFor(ctx, st.Value)
	case step.Scroll:
		return s.scroll(ctx, st.Locator)
	case step.Hover:
		return s.hover(ctx, st.Locator)
	default:
		return fmt.Errorf("browser: unsupported step kind %q", st.Kind)
	}
}

func (s *Session) navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()

	p := s.page.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return s.opErr(ctx, navCtx, fmt.Sprintf("navigate %s", url), err)
	}
	if err := p.WaitLoad(); err != nil {
		// Slow pages still render; the settle poll below covers them.
		s.log.Warn("browser: wait load timeout", "url", url, "error", err)
	}

	// Wait until the page looks interactive, with a sleep fallback for
	// JS-heavy pages that never satisfy the poll.
	settleCtx, cancelSettle := context.WithTimeout(ctx, 15*time.Second)
	defer cancelSettle()
	err := s.page.Context(settleCtx).Wait(rod.Eval(
		`() => document.querySelectorAll('input, button, a').length > 3`))
	if err != nil && ctx.Err() == nil {
		if err := sleepCtx(ctx, 3*time.Second); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Session) click(ctx context.Context, locator string) error {
	el, err := s.element(ctx, locator)
	if err != nil {
		return err
	}

	actCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	el = el.Context(actCtx)

	if err := el.WaitVisible(); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("click %q: wait visible", locator), err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("click %q", locator), err)
	}

	// Let AJAX-heavy pages settle after the click.
	return sleepCtx(ctx, 500*time.Millisecond)
}

func (s *Session) fill(ctx context.Context, locator, value string) error {
	el, err := s.element(ctx, locator)
	if err != nil {
		return err
	}

	actCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	el = el.Context(actCtx)

	if err := el.WaitVisible(); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("fill %q: wait visible", locator), err)
	}
	// Replace any existing content, recorder semantics are "set", not "append".
	if err := el.SelectAllText(); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("fill %q: select", locator), err)
	}
	if err := el.Input(value); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("fill %q", locator), err)
	}
	return nil
}

func (s *Session) waitFor(ctx context.Context, value string) error {
	d := time.Second
	if value != "" {
		if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
			d = time.Duration(secs * float64(time.Second))
		}
	}
	return sleepCtx(ctx, d)
}

func (s *Session) scroll(ctx context.Context, locator string) error {
	if locator == "" {
		if err := s.page.Context(ctx).Mouse.Scroll(0, 300, 1); err != nil {
			return s.opErr(ctx, ctx, "scroll", err)
		}
		return nil
	}

	el, err := s.element(ctx, locator)
	if err != nil {
		return err
	}
	actCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	if err := el.Context(actCtx).ScrollIntoView(); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("scroll %q", locator), err)
	}
	return nil
}

func (s *Session) hover(ctx context.Context, locator string) error {
	el, err := s.element(ctx, locator)
	if err != nil {
		return err
	}
	actCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	if err := el.Context(actCtx).Hover(); err != nil {
		return s.opErr(ctx, actCtx, fmt.Sprintf("hover %q", locator), err)
	}
	return nil
}

// Screenshot captures the viewport as JPEG. Quality 70 keeps frames small
// enough to stream after every step transition.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	bin, err := s.page.Context(shotCtx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: gson.Int(70),
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return bin, nil
}

// PageInfo returns the current URL and title.
func (s *Session) PageInfo(ctx context.Context) (url, title string, err error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, info.Title, nil
}

// HTML serialises the full document as outer HTML.
func (s *Session) HTML(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get html: %w", err)
	}
	return res.Value.Str(), nil
}

// element resolves a locator, waiting up to the step timeout for it to
// appear. A lookup that exhausts its own budget, or a selector the
// protocol rejects, is a locator failure; a dead parent context is not.
func (s *Session) element(ctx context.Context, locator string) (*rod.Element, error) {
	elCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	el, err := s.page.Context(elCtx).Element(locator)
	if err == nil {
		return el, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case s.ctx.Err() != nil:
		return nil, fmt.Errorf("browser: element %q: %w", locator, ErrSessionClosed)
	case elCtx.Err() != nil:
		return nil, fmt.Errorf("browser: element %q: %w", locator, ErrLocatorNotFound)
	default:
		var cdpErr *cdp.Error
		if errors.As(err, &cdpErr) {
			// The protocol rejected the selector itself.
			return nil, fmt.Errorf("browser: element %q: %s: %w", locator, cdpErr.Message, ErrLocatorNotFound)
		}
		return nil, fmt.Errorf("browser: element %q: %w", locator, err)
	}
}

// opErr maps a failure after element resolution: parent cancellation wins,
// an exhausted operation budget is a timeout, anything else is the driver
// breaking underneath us.
func (s *Session) opErr(ctx, opCtx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case s.ctx.Err() != nil:
		return fmt.Errorf("browser: %s: %w", op, ErrSessionClosed)
	case opCtx.Err() != nil:
		return fmt.Errorf("browser: %s: %w", op, ErrTimeout)
	default:
		return fmt.Errorf("browser: %s: %w", op, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
