// Package audit persists the durable record of every run: run metadata,
// the full per-job state transition sequence, and output records. The
// in-memory run store is authoritative while a run executes; the audit log
// is what survives a restart and what history queries are served from.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/gantry/internal/run"
)

// Log is an append-only audit store backed by SQLite. Safe for concurrent
// use; database/sql serializes access and busy_timeout covers writer
// contention.
type Log struct {
	db *sql.DB
}

// Open opens (and creates if needed) the audit database at path and
// ensures required tables exist. The path must be on a local filesystem;
// SQLite locking is unreliable over network mounts.
func Open(ctx context.Context, path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is empty")
	}
	if err := validateFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id          TEXT PRIMARY KEY,
  workflow    TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  event       TEXT NOT NULL,
  ref         TEXT,
  actor       TEXT,
  inputs      JSON,
  status      TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  finished_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_transitions (
  run_id     TEXT NOT NULL,
  job_id     TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state   TEXT NOT NULL,
  reason     TEXT,
  at         TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_outputs (
  run_id TEXT NOT NULL,
  job_id TEXT NOT NULL,
  name   TEXT NOT NULL,
  value  TEXT NOT NULL,
  PRIMARY KEY (run_id, job_id, name)
);`,
		`CREATE INDEX IF NOT EXISTS job_transitions_run_idx ON job_transitions(run_id, job_id, at);`,
		`CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap audit database: %w", err)
		}
	}
	return nil
}

// CreateRun records a run at creation time with status running.
func (l *Log) CreateRun(ctx context.Context, r *run.Run) error {
	inputs, err := json.Marshal(r.Trigger.Inputs)
	if err != nil {
		return fmt.Errorf("marshal trigger inputs: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, fingerprint, event, ref, actor, inputs, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Workflow, r.Fingerprint,
		r.Trigger.Event, r.Trigger.Ref, r.Trigger.Actor,
		string(inputs), string(run.StatusRunning), r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stamps the final status once the scheduler returns.
func (l *Log) FinishRun(ctx context.Context, runID string, status run.Status) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// RecordTransition appends one job state transition. Satisfies the
// scheduler's TransitionRecorder; the scheduler calls it from its event
// loop, so it must not block on run context cancellation.
func (l *Log) RecordTransition(runID, jobID string, tr run.Transition) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO job_transitions (run_id, job_id, from_state, to_state, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, jobID, string(tr.From), string(tr.To), tr.Reason, tr.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record transition %s/%s: %w", runID, jobID, err)
	}
	return nil
}

// RecordOutputs persists a succeeded job's output record.
func (l *Log) RecordOutputs(ctx context.Context, runID, jobID string, outputs map[string]string) error {
	for name, value := range outputs {
		if _, err := l.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_outputs (run_id, job_id, name, value) VALUES (?, ?, ?, ?)`,
			runID, jobID, name, value,
		); err != nil {
			return fmt.Errorf("record output %s/%s.%s: %w", runID, jobID, name, err)
		}
	}
	return nil
}

// RunRecord is a persisted run row.
type RunRecord struct {
	ID          string         `json:"id"`
	Workflow    string         `json:"workflow"`
	Fingerprint string         `json:"fingerprint"`
	Event       string         `json:"event"`
	Ref         string         `json:"ref,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Status      run.Status     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// TransitionRecord is a persisted job state transition row.
type TransitionRecord struct {
	RunID  string    `json:"run_id"`
	JobID  string    `json:"job_id"`
	From   run.State `json:"from"`
	To     run.State `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// GetRun loads one run by ID. Returns sql.ErrNoRows when absent.
func (l *Log) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, workflow, fingerprint, event, ref, actor, inputs, status, created_at, finished_at
		 FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (l *Log) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, workflow, fingerprint, event, ref, actor, inputs, status, created_at, finished_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// JobHistory returns a job's transition sequence in append order.
func (l *Log) JobHistory(ctx context.Context, runID, jobID string) ([]TransitionRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, job_id, from_state, to_state, reason, at
		 FROM job_transitions WHERE run_id = ? AND job_id = ? ORDER BY at, rowid`, runID, jobID)
	if err != nil {
		return nil, fmt.Errorf("job history %s/%s: %w", runID, jobID, err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var reason sql.NullString
		var at string
		if err := rows.Scan(&rec.RunID, &rec.JobID, &rec.From, &rec.To, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.Reason = reason.String
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Outputs returns a job's persisted output record.
func (l *Log) Outputs(ctx context.Context, runID, jobID string) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT name, value FROM job_outputs WHERE run_id = ? AND job_id = ?`, runID, jobID)
	if err != nil {
		return nil, fmt.Errorf("outputs %s/%s: %w", runID, jobID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var ref, actor, inputs, finished sql.NullString
	var created string
	if err := row.Scan(&rec.ID, &rec.Workflow, &rec.Fingerprint, &rec.Event,
		&ref, &actor, &inputs, &rec.Status, &created, &finished); err != nil {
		return RunRecord{}, err
	}
	rec.Ref = ref.String
	rec.Actor = actor.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if inputs.Valid && inputs.String != "" && inputs.String != "null" {
		if err := json.Unmarshal([]byte(inputs.String), &rec.Inputs); err != nil {
			return RunRecord{}, fmt.Errorf("decode run inputs: %w", err)
		}
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err == nil {
			rec.FinishedAt = &t
		}
	}
	return rec, nil
}
