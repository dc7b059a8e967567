package obs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Replay metric names.
const (
	MetricRunDurationMs    = "run_duration_ms"
	MetricStepDurationMs   = "step_duration_ms"
	MetricRunsTotal        = "runs_total"
	MetricStepsFailedTotal = "steps_failed_total"
	MetricStepsHealedTotal = "steps_healed_total"
	MetricHealSuggestMs    = "heal_suggest_duration_ms"
	MetricApprovalWaitMs   = "approval_wait_ms"
	MetricQueueDepth       = "run_queue_depth"
	MetricStreamClients    = "stream_clients"
	MetricBrowserSessions  = "browser_sessions_open"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count"
}

// Metrics buffers datapoints and flushes them to SQLite in batches.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewMetrics creates a batching metrics writer. Zero values take the
// defaults: bufferSize 100, flushInterval 5s.
func NewMetrics(db *sql.DB, bufferSize int, flushInterval time.Duration) *Metrics {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	m := &Metrics{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Record queues a metric for async persistence.
func (m *Metrics) Record(dp *Metric) {
	if dp.Timestamp.IsZero() {
		dp.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, dp)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// Duration records a millisecond timing with optional labels.
func (m *Metrics) Duration(name string, d time.Duration, labels map[string]string) {
	m.Record(&Metric{Name: name, Value: float64(d.Milliseconds()), Labels: labels, Unit: "milliseconds"})
}

// Count records a counter increment with optional labels.
func (m *Metrics) Count(name string, n float64, labels map[string]string) {
	m.Record(&Metric{Name: name, Value: n, Labels: labels, Unit: "count"})
}

// Query retrieves datapoints filtered by name, time range and limit. Empty
// name matches all metrics; nil time pointers mean unbounded.
func (m *Metrics) Query(ctx context.Context, name string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)

	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if startTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, startTime.Unix())
	}
	if endTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, endTime.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("obs: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var dp Metric
		var ts int64
		var labelsJSON sql.NullString
		if err := rows.Scan(&dp.Name, &ts, &dp.Value, &labelsJSON, &dp.Unit); err != nil {
			return nil, fmt.Errorf("obs: scan metric: %w", err)
		}
		dp.Timestamp = time.Unix(ts, 0)
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				dp.Labels = labels
			}
		}
		out = append(out, &dp)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays.
func (m *Metrics) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := m.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("obs: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining datapoints and stops the flush goroutine.
func (m *Metrics) Close() error {
	close(m.stop)
	<-m.done
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("obs metrics: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("obs metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, dp := range m.buffer {
		var labelsJSON sql.NullString
		if len(dp.Labels) > 0 {
			if b, err := json.Marshal(dp.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, dp.Name, dp.Timestamp.Unix(), dp.Value, labelsJSON, dp.Unit); err != nil {
			slog.Error("obs metrics: insert", "error", err, "metric", dp.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("obs metrics: commit", "error", err)
	}
	m.buffer = m.buffer[:0]
}
