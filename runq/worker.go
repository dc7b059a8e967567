package runq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/rejeu/engine"
	"github.com/hazyhaar/rejeu/heal"
	"github.com/hazyhaar/rejeu/store"
)

// Worker executes queued runs. There is no human on the other end of a
// scheduled run, so healing is forced into batch mode: suggestions are
// recorded for later review and the run never blocks on approval.
type Worker struct {
	engine *engine.Engine
	store  *store.Store
	queue  *Q
	log    *slog.Logger
}

// NewWorker wires a worker over the engine, store, and queue.
func NewWorker(eng *engine.Engine, st *store.Store, q *Q, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{engine: eng, store: st, queue: q, log: log}
}

// Run consumes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.queue.Run(ctx, w.Handle)
}

// Handle executes one queued run to completion. A nil return acks the job:
// a run that finishes with failed steps is a recorded outcome, not a
// delivery failure, and must not be redelivered.
func (w *Worker) Handle(ctx context.Context, job *Job) error {
	log := w.log.With("run_id", job.RunID, "test_id", job.TestID)

	steps, err := w.store.StepsForTest(ctx, job.TestID)
	if err != nil {
		return fmt.Errorf("runq: load steps: %w", err)
	}
	if len(steps) == 0 {
		log.Warn("queued run has no steps, discarding")
		return nil
	}

	policy, err := w.store.LoadPolicy(ctx)
	if err != nil {
		log.Warn("load policy failed, using default", "error", err)
		policy = heal.DefaultPolicy()
	}
	policy.Mode = heal.ModeBatch

	run, err := w.engine.Start(ctx, engine.RunRequest{
		RunID:  job.RunID,
		TestID: job.TestID,
		Steps:  steps,
		Policy: policy,
	})
	if err != nil {
		return fmt.Errorf("runq: start run: %w", err)
	}

	rec := w.store.NewRunRecorder(ctx, run.ID(), job.TestID, w.log)

	// Heartbeat keeps the job invisible while the run is in flight.
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeat(hbCtx, job.ID)

	for ev := range run.Events() {
		rec.Observe(ctx, ev)
	}
	<-run.Done()
	rec.Finish(context.WithoutCancel(ctx), run.Summary())

	if sum := run.Summary(); sum != nil {
		log.Info("queued run finished", "status", string(sum.Status), "duration", sum.Duration)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.queue.opts.Visibility / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Extend(context.WithoutCancel(ctx), jobID, w.queue.opts.Visibility); err != nil {
				w.log.Warn("runq: heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
