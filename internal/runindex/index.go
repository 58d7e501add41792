// Package runindex keeps a sqlite read model of runs and invocations for
// reporting. The JSON state files stay authoritative; the index can be
// rebuilt from them at any time.
package runindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Index provides SQLite-backed run history
type Index struct {
	db *sql.DB
}

// New opens (and migrates) the index at dbPath. ":memory:" is allowed.
func New(dbPath string) (*Index, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database connection
func (x *Index) Close() error {
	return x.db.Close()
}

// Record upserts the run row and inserts invocation records not seen yet
func (x *Index) Record(st *domain.RunState) error {
	var open, closed int
	for _, f := range st.Findings {
		if f.Status == domain.FindingOpen {
			open++
		} else {
			closed++
		}
	}
	var failureKind string
	if st.Failure != nil {
		failureKind = string(st.Failure.Kind)
	}

	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, task_path, task_digest, state, status, phase1_cycles, phase2_cycles,
			open_findings, closed_findings, failure_kind, checkpoint_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			phase1_cycles = excluded.phase1_cycles,
			phase2_cycles = excluded.phase2_cycles,
			open_findings = excluded.open_findings,
			closed_findings = excluded.closed_findings,
			failure_kind = excluded.failure_kind,
			checkpoint_seq = excluded.checkpoint_seq,
			updated_at = excluded.updated_at
	`,
		st.RunID, st.TaskPath, st.TaskDigest, string(st.State), string(st.Status),
		st.Phase1Cycle, st.Phase2Cycle, open, closed, failureKind, st.Seq,
		st.CreatedAt.UTC(), st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO invocations (id, run_id, role, backend, substituted_for, phase, cycle, attempt,
			outcome, exit_code, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range st.History {
		_, err := stmt.Exec(rec.ID, st.RunID, string(rec.Role), rec.Backend, rec.SubstitutedFor,
			string(rec.Phase), rec.Cycle, rec.Attempt, string(rec.Outcome), rec.ExitCode, rec.Error,
			rec.StartedAt.UTC(), rec.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("inserting invocation %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Run is one row of the runs table
type Run struct {
	ID             string
	TaskPath       string
	State          domain.State
	Status         domain.RunStatus
	Phase1Cycles   int
	Phase2Cycles   int
	OpenFindings   int
	ClosedFindings int
	FailureKind    domain.Kind
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns runs newest first
func (x *Index) ListRuns(opts ListOptions) ([]Run, error) {
	query := `SELECT id, task_path, state, status, phase1_cycles, phase2_cycles, open_findings,
		closed_findings, failure_kind, created_at, updated_at FROM runs WHERE 1=1`
	var args []interface{}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var state, status string
		var failure sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskPath, &state, &status, &r.Phase1Cycles, &r.Phase2Cycles,
			&r.OpenFindings, &r.ClosedFindings, &failure, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.State = domain.State(state)
		r.Status = domain.RunStatus(status)
		r.FailureKind = domain.Kind(failure.String)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Invocations returns the recorded invocations of a run in start order
func (x *Index) Invocations(runID string) ([]domain.InvocationRecord, error) {
	rows, err := x.db.Query(`
		SELECT id, role, backend, substituted_for, phase, cycle, attempt, outcome, exit_code, error,
			started_at, duration_ms
		FROM invocations WHERE run_id = ? ORDER BY started_at, cycle, attempt
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.InvocationRecord
	for rows.Next() {
		var rec domain.InvocationRecord
		var role, phase, outcome string
		var substituted, errText sql.NullString
		var durationMS int64
		if err := rows.Scan(&rec.ID, &role, &rec.Backend, &substituted, &phase, &rec.Cycle, &rec.Attempt,
			&outcome, &rec.ExitCode, &errText, &rec.StartedAt, &durationMS); err != nil {
			return nil, err
		}
		rec.Role = domain.Role(role)
		rec.Phase = domain.Phase(phase)
		rec.Outcome = domain.Outcome(outcome)
		rec.SubstitutedFor = substituted.String
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// BackendStat aggregates invocations per backend and outcome
type BackendStat struct {
	Backend     string
	Outcome     domain.Outcome
	Count       int
	AvgDuration time.Duration
}

// BackendStats summarises all recorded invocations
func (x *Index) BackendStats() ([]BackendStat, error) {
	rows, err := x.db.Query(`
		SELECT backend, outcome, COUNT(*), COALESCE(AVG(duration_ms), 0)
		FROM invocations GROUP BY backend, outcome ORDER BY backend, outcome
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []BackendStat
	for rows.Next() {
		var s BackendStat
		var outcome string
		var avg float64
		if err := rows.Scan(&s.Backend, &outcome, &s.Count, &avg); err != nil {
			return nil, err
		}
		s.Outcome = domain.Outcome(outcome)
		s.AvgDuration = time.Duration(avg) * time.Millisecond
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
