// Package runq schedules replay runs through a visibility-timeout queue
// backed by SQLite. A claimed job stays invisible while its worker executes
// the run and heartbeats; if the worker dies the job reappears and another
// instance picks it up. No external broker.
package runq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Job is one scheduled run in the queue.
type Job struct {
	ID        string
	RunID     string
	TestID    string
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// payload is the JSON blob stored in the jobs table.
type payload struct {
	RunID  string `json:"run_id"`
	TestID string `json:"test_id"`
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Workers extend it
	// while a run is in flight. Default: 60s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a job is discarded.
	// 0 means unlimited. Default: 3.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the run_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_jobs (
			id          TEXT PRIMARY KEY,
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_run_jobs_visible ON run_jobs (visible_at);
	`)
	return err
}

// Publish enqueues a run, immediately visible. The job ID doubles as the
// run ID so the same run is never executed twice by a republish.
func (q *Q) Publish(ctx context.Context, runID, testID string) error {
	raw, err := json.Marshal(payload{RunID: runID, TestID: testID})
	if err != nil {
		return fmt.Errorf("runq: encode job: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO run_jobs (id, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		runID, raw, now, now,
	)
	if err != nil {
		return fmt.Errorf("runq: publish: %w", err)
	}
	return nil
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility window. Returns nil, nil when nothing is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE run_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM run_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var j Job
	var raw []byte
	var visAt, creAt int64
	err := row.Scan(&j.ID, &raw, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("runq: decode job %s: %w", j.ID, err)
	}
	j.RunID = p.RunID
	j.TestID = p.TestID
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM run_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a job immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE run_jobs SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Extend pushes the visibility timeout forward for an in-flight run
// (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE run_jobs SET visible_at = ? WHERE id = ?`, hideUntil, id)
	return err
}

// Len returns the total number of jobs, visible and claimed.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_jobs`).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each. The poll interval
// carries up to 25% jitter so concurrent workers spread their claims.
// Blocks until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("runq: consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	timer := time.NewTimer(q.jitteredPoll())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("runq: consumer stopped")
			return
		case <-timer.C:
			q.poll(ctx, handler, log)
			timer.Reset(q.jitteredPoll())
		}
	}
}

func (q *Q) jitteredPoll() time.Duration {
	base := q.opts.PollInterval
	return base + time.Duration(rand.Int64N(int64(base)/4+1))
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("runq: claim failed", "error", err)
			}
			return
		}
		if job == nil {
			return // nothing visible
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("runq: job exceeded max attempts, discarding",
				"id", job.ID, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.ID)
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("runq: handler failed, nacking", "id", job.ID, "error", err)
			_ = q.Nack(context.Background(), job.ID)
		} else {
			_ = q.Ack(context.Background(), job.ID)
		}
	}
}
