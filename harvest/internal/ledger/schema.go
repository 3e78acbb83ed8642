package ledger

// Schema contains the complete DDL for the acquisition ledger.
const Schema = `
-- Tasks: one row per (case, document, year), the unit of acquisition.
-- Document-less cases are stored with doc_name = '' so case-level
-- completeness survives into the metadata table.
CREATE TABLE IF NOT EXISTS tasks (
    task_key        TEXT PRIMARY KEY,
    case_id         TEXT NOT NULL,
    case_year       INTEGER NOT NULL,
    doc_name        TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL DEFAULT '',
    target_path     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    last_attempt_at INTEGER,
    file_size       INTEGER NOT NULL DEFAULT 0,
    file_mtime      INTEGER NOT NULL DEFAULT 0,
    checksum        TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_case ON tasks(case_id, case_year);

-- Fetch attempts: most recent attempts per task, for diagnostics.
CREATE TABLE IF NOT EXISTS fetch_attempts (
    id            TEXT PRIMARY KEY,
    task_key      TEXT NOT NULL REFERENCES tasks(task_key) ON DELETE CASCADE,
    status_code   INTEGER,
    error_message TEXT NOT NULL DEFAULT '',
    bytes         INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    attempted_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON fetch_attempts(task_key, attempted_at DESC);

-- Page metadata: one row per (document, page).
CREATE TABLE IF NOT EXISTS page_metadata (
    task_key    TEXT NOT NULL REFERENCES tasks(task_key) ON DELETE CASCADE,
    page_index  INTEGER NOT NULL,
    width       REAL NOT NULL,
    height      REAL NOT NULL,
    orientation TEXT NOT NULL,
    PRIMARY KEY (task_key, page_index)
);

-- Page summaries: aggregate counts per document, plus the source file
-- fingerprint taken at extraction time so stale counts are never reused.
CREATE TABLE IF NOT EXISTS page_summaries (
    task_key       TEXT PRIMARY KEY REFERENCES tasks(task_key) ON DELETE CASCADE,
    raw_pages      INTEGER NOT NULL DEFAULT 0,
    adjusted_pages INTEGER NOT NULL DEFAULT 0,
    source_size    INTEGER NOT NULL DEFAULT 0,
    source_mtime   INTEGER NOT NULL DEFAULT 0,
    meta_status    TEXT NOT NULL DEFAULT 'ok',
    meta_error     TEXT NOT NULL DEFAULT '',
    computed_at    INTEGER NOT NULL
);
`
