package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Vitals holds page-load timing captured after a successful navigation.
// Timings are milliseconds; CLS is the unitless cumulative layout shift.
// A zero timing means the metric could not be observed.
type Vitals struct {
	TTFB             float64 `json:"ttfb"`
	FCP              float64 `json:"fcp"`
	LCP              float64 `json:"lcp"`
	CLS              float64 `json:"cls"`
	DOMContentLoaded float64 `json:"dom_content_loaded"`
	Load             float64 `json:"load"`
}

// Qualitative rating buckets per metric.
const (
	RatingGood             = "good"
	RatingNeedsImprovement = "needs-improvement"
	RatingPoor             = "poor"
	RatingNeutral          = "neutral"
)

// Ratings rates each core metric against the fixed web-vitals thresholds:
// LCP 2500/4000, FCP 1800/3000, CLS 0.1/0.25, TTFB 800/1800.
func (v Vitals) Ratings() map[string]string {
	return map[string]string{
		"ttfb": rateTiming(v.TTFB, 800, 1800),
		"fcp":  rateTiming(v.FCP, 1800, 3000),
		"lcp":  rateTiming(v.LCP, 2500, 4000),
		"cls":  rateValue(v.CLS, 0.1, 0.25),
	}
}

// rateTiming treats a zero timing as unobserved.
func rateTiming(ms, good, poor float64) string {
	if ms <= 0 {
		return RatingNeutral
	}
	return rateValue(ms, good, poor)
}

func rateValue(v, good, poor float64) string {
	switch {
	case v <= good:
		return RatingGood
	case v <= poor:
		return RatingNeedsImprovement
	default:
		return RatingPoor
	}
}

// vitalsJS reads the Navigation Timing entry, the FCP paint entry, and the
// buffered LCP / layout-shift observers. takeRecords() drains buffered
// entries synchronously, so no waiting is needed.
const vitalsJS = `() => {
	const out = { ttfb: 0, fcp: 0, lcp: 0, cls: 0, dom_content_loaded: 0, load: 0 };
	const nav = performance.getEntriesByType('navigation')[0];
	if (nav) {
		out.ttfb = Math.max(0, nav.responseStart - nav.requestStart);
		if (nav.domContentLoadedEventEnd > 0) {
			out.dom_content_loaded = nav.domContentLoadedEventEnd - nav.startTime;
		}
		if (nav.loadEventEnd > 0) {
			out.load = nav.loadEventEnd - nav.startTime;
		}
	}
	const fcp = performance.getEntriesByType('paint').find(p => p.name === 'first-contentful-paint');
	if (fcp) out.fcp = fcp.startTime;
	try {
		const po = new PerformanceObserver(() => {});
		po.observe({ type: 'largest-contentful-paint', buffered: true });
		const entries = po.takeRecords();
		if (entries.length > 0) out.lcp = entries[entries.length - 1].startTime;
		po.disconnect();
	} catch (e) {}
	try {
		const po = new PerformanceObserver(() => {});
		po.observe({ type: 'layout-shift', buffered: true });
		for (const e of po.takeRecords()) {
			if (!e.hadRecentInput) out.cls += e.value;
		}
		po.disconnect();
	} catch (e) {}
	return out;
}`

// Vitals captures page timing for the current document. Callers treat a
// failure as a silent non-result; metrics never fail a step.
func (s *Session) Vitals(ctx context.Context) (*Vitals, error) {
	vCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.page.Context(vCtx).Eval(vitalsJS)
	if err != nil {
		return nil, fmt.Errorf("browser: vitals: %w", err)
	}

	var v Vitals
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &v); err != nil {
		return nil, fmt.Errorf("browser: vitals: decode: %w", err)
	}
	return &v, nil
}
