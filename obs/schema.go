// Package obs provides SQLite-native monitoring for the replay service:
// timeseries metrics and an operation-level audit trail, both written to a
// dedicated observability database so run traffic never contends with
// monitoring writes.
//
// All persistence is async and non-blocking; monitoring never applies
// backpressure to a run.
package obs

import "database/sql"

// Schema is the DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    entry_id       TEXT PRIMARY KEY,
    timestamp      INTEGER NOT NULL,
    component_name TEXT NOT NULL,
    operation_type TEXT NOT NULL,
    request_id     TEXT,
    parameters     TEXT NOT NULL DEFAULT '{}',
    result         TEXT,
    error_message  TEXT,
    duration_ms    INTEGER,
    status         TEXT NOT NULL,
    created_at     INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_log(component_name, operation_type);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
