package runindex

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    task_path TEXT NOT NULL,
    task_digest TEXT NOT NULL,
    state TEXT NOT NULL,
    status TEXT NOT NULL,
    phase1_cycles INTEGER NOT NULL DEFAULT 0,
    phase2_cycles INTEGER NOT NULL DEFAULT 0,
    open_findings INTEGER NOT NULL DEFAULT 0,
    closed_findings INTEGER NOT NULL DEFAULT 0,
    failure_kind TEXT,
    checkpoint_seq INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP,
    updated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_digest ON runs(task_digest);

CREATE TABLE IF NOT EXISTS invocations (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    role TEXT NOT NULL,
    backend TEXT NOT NULL,
    substituted_for TEXT,
    phase TEXT NOT NULL,
    cycle INTEGER NOT NULL,
    attempt INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    exit_code INTEGER,
    error TEXT,
    started_at TIMESTAMP,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_invocations_run_id ON invocations(run_id);
CREATE INDEX IF NOT EXISTS idx_invocations_backend ON invocations(backend);
`
