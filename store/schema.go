package store

import "database/sql"

// Schema is the complete replay schema. Timestamps are milliseconds since
// epoch throughout.
const Schema = `
-- Recorded tests
CREATE TABLE IF NOT EXISTS tests (
    test_id    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    base_url   TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Ordered steps of a test: the read-only step source for runs
CREATE TABLE IF NOT EXISTS steps (
    step_id          TEXT PRIMARY KEY,
    test_id          TEXT NOT NULL REFERENCES tests(test_id) ON DELETE CASCADE,
    idx              INTEGER NOT NULL,
    kind             TEXT NOT NULL,
    locator          TEXT NOT NULL DEFAULT '',
    value            TEXT NOT NULL DEFAULT '',
    assert_operator  TEXT NOT NULL DEFAULT '',
    assert_expected  TEXT NOT NULL DEFAULT '',
    assert_attribute TEXT NOT NULL DEFAULT '',
    UNIQUE (test_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_steps_test ON steps(test_id, idx);

-- Runs
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    test_id     TEXT NOT NULL REFERENCES tests(test_id) ON DELETE CASCADE,
    status      TEXT NOT NULL DEFAULT 'idle',
    message     TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_test ON runs(test_id, started_at DESC);

-- Per-step results, one row per step per run
CREATE TABLE IF NOT EXISTS run_results (
    run_id           TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    idx              INTEGER NOT NULL,
    status           TEXT NOT NULL,
    error            TEXT NOT NULL DEFAULT '',
    original_locator TEXT NOT NULL DEFAULT '',
    healed_locator   TEXT NOT NULL DEFAULT '',
    duration_ms      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, idx)
);

-- Healing suggestions: the batch review queue
CREATE TABLE IF NOT EXISTS suggestions (
    suggestion_id    TEXT PRIMARY KEY,
    run_id           TEXT NOT NULL DEFAULT '',
    test_id          TEXT NOT NULL DEFAULT '',
    step_idx         INTEGER NOT NULL,
    original_locator TEXT NOT NULL,
    suggested_locator TEXT NOT NULL,
    confidence       REAL NOT NULL DEFAULT 0,
    reasoning        TEXT NOT NULL DEFAULT '',
    alternatives     TEXT NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL DEFAULT 'pending',
    created_at       INTEGER NOT NULL,
    decided_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_suggestions_run ON suggestions(run_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_test ON suggestions(test_id);

-- Page vitals captured after navigate steps
CREATE TABLE IF NOT EXISTS vitals (
    run_id   TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    step_idx INTEGER NOT NULL,
    url      TEXT NOT NULL DEFAULT '',
    ttfb     REAL NOT NULL DEFAULT 0,
    fcp      REAL NOT NULL DEFAULT 0,
    lcp      REAL NOT NULL DEFAULT 0,
    dcl      REAL NOT NULL DEFAULT 0,
    load_ms  REAL NOT NULL DEFAULT 0,
    cls      REAL NOT NULL DEFAULT 0,
    ratings  TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (run_id, step_idx)
);

-- Healing policy snapshot, single row
CREATE TABLE IF NOT EXISTS policy (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    policy_json TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
