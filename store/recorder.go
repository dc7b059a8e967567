package store

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/rejeu/engine"
)

// RunRecorder applies one run's event stream to the database. Both stream
// consumers use it: the websocket handler for interactive runs and the queue
// worker for scheduled ones. Persistence is best-effort and logged; a write
// failure never interrupts the run.
type RunRecorder struct {
	store  *Store
	runID  string
	testID string
	log    *slog.Logger
}

// NewRunRecorder opens recording for one run and inserts its row.
func (s *Store) NewRunRecorder(ctx context.Context, runID, testID string, log *slog.Logger) *RunRecorder {
	if log == nil {
		log = slog.Default()
	}
	r := &RunRecorder{store: s, runID: runID, testID: testID, log: log.With("run_id", runID)}
	if err := s.InsertRun(ctx, &Run{ID: runID, TestID: testID, Status: string(engine.RunRunning)}); err != nil {
		r.log.Warn("record run start failed", "error", err)
	}
	return r
}

// Observe applies one event. Screenshots and step transitions pass through;
// only durable facts (vitals, terminal state) hit the database here — the
// authoritative per-step rows land in Finish from the run summary.
func (r *RunRecorder) Observe(ctx context.Context, ev engine.Event) {
	switch e := ev.(type) {
	case engine.MetricsEvent:
		err := r.store.SaveVitals(ctx, &Vitals{
			RunID:            r.runID,
			StepIndex:        e.StepIndex,
			URL:              e.URL,
			TTFB:             e.TTFB,
			FCP:              e.FCP,
			LCP:              e.LCP,
			DOMContentLoaded: e.DOMContentLoaded,
			Load:             e.Load,
			CLS:              e.CLS,
			Ratings:          e.Ratings,
		})
		if err != nil {
			r.log.Warn("record vitals failed", "error", err, "step", e.StepIndex)
		}
	}
}

// Finish persists the run's terminal state and per-step results from the
// summary. Call after the run's Done channel closes.
func (r *RunRecorder) Finish(ctx context.Context, sum *engine.Summary) {
	if sum == nil {
		r.log.Warn("run finished without summary")
		return
	}
	for i := range sum.Results {
		res := &sum.Results[i]
		err := r.store.SaveResult(ctx, &RunResult{
			RunID:           r.runID,
			Index:           res.Index,
			Status:          string(res.Status),
			Error:           res.Error,
			OriginalLocator: res.OriginalLocator,
			HealedLocator:   res.HealedLocator,
			DurationMs:      res.DurationMs,
		})
		if err != nil {
			r.log.Warn("record step result failed", "error", err, "step", res.Index)
		}
	}
	err := r.store.FinishRun(ctx, r.runID, string(sum.Status), sum.Message, sum.Duration.Milliseconds())
	if err != nil {
		r.log.Warn("record run finish failed", "error", err)
	}
}
