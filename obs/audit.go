package obs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/rejeu/idgen"
)

// AuditEntry is one operation record in the audit trail.
type AuditEntry struct {
	EntryID       string
	Timestamp     time.Time
	ComponentName string // e.g. "engine", "heal", "server"
	OperationType string // e.g. "run_start", "auto_approve", "suggestion_rejected"
	RequestID     string
	Parameters    string // JSON
	Result        string // JSON
	ErrorMessage  string
	DurationMs    int64
	Status        string // "success" or "error"
}

// AuditFilter narrows Query results.
type AuditFilter struct {
	StartTime     *time.Time
	EndTime       *time.Time
	ComponentName string
	OperationType string
	Status        string
	Limit         int // default 100
}

// Audit persists operation-level entries asynchronously. A full buffer falls
// back to a synchronous insert rather than dropping the record.
type Audit struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
}

// NewAudit creates an async audit logger. Recommended bufferSize: 1000.
func NewAudit(db *sql.DB, bufferSize int) *Audit {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	a := &Audit{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// Record builds and queues an entry from operation parameters, result and
// error. Params and result are marshalled to JSON. Non-blocking unless the
// buffer is full.
func (a *Audit) Record(component, operation string, params, result any, err error, duration time.Duration) {
	e := &AuditEntry{
		EntryID:       a.newID(),
		Timestamp:     time.Now(),
		ComponentName: component,
		OperationType: operation,
		DurationMs:    duration.Milliseconds(),
		Status:        "success",
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
	} else if result != nil {
		if b, merr := json.Marshal(result); merr == nil {
			e.Result = string(b)
		}
	}

	select {
	case a.ch <- e:
	default:
		slog.Warn("obs audit buffer full, sync fallback", "component", component)
		if ierr := a.insert(context.Background(), e); ierr != nil {
			slog.Error("obs audit: sync fallback failed", "error", ierr)
		}
	}
}

// Hook adapts the audit trail to a per-component callback, matching the
// healing coordinator's audit signature.
func (a *Audit) Hook(component string) func(operation string, params, result any, err error, duration time.Duration) {
	return func(operation string, params, result any, err error, duration time.Duration) {
		a.Record(component, operation, params, result, err, duration)
	}
}

// Query retrieves entries matching the filter, newest first.
func (a *Audit) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, component_name, operation_type, request_id,
		parameters, result, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any

	if f.StartTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.EndTime.Unix())
	}
	if f.ComponentName != "" {
		q += " AND component_name = ?"
		args = append(args, f.ComponentName)
	}
	if f.OperationType != "" {
		q += " AND operation_type = ?"
		args = append(args, f.OperationType)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("obs: query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var requestID, result, errMsg sql.NullString
		var durationMs sql.NullInt64
		err := rows.Scan(&e.EntryID, &ts, &e.ComponentName, &e.OperationType, &requestID,
			&e.Parameters, &result, &errMsg, &durationMs, &e.Status)
		if err != nil {
			return nil, fmt.Errorf("obs: scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.RequestID = requestID.String
		e.Result = result.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = durationMs.Int64
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (a *Audit) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("obs: cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *Audit) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *Audit) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("obs audit: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_log
			(entry_id, timestamp, component_name, operation_type, request_id,
			 parameters, result, error_message, duration_ms, status)
			VALUES (?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("obs audit: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType, e.RequestID,
				e.Parameters, e.Result, e.ErrorMessage, e.DurationMs, e.Status,
			); err != nil {
				slog.Error("obs audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("obs audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *Audit) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, component_name, operation_type, request_id,
		 parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType, e.RequestID,
		e.Parameters, e.Result, e.ErrorMessage, e.DurationMs, e.Status)
	return err
}
