// Package history keeps a local SQLite record of workflow runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/forest6511/flowseal/pkg/fsutil"
)

// DefaultFileName is the history database created in the state directory.
const DefaultFileName = ".flowseal_history.db"

// Kind identifies the command that started a run.
type Kind string

const (
	KindRunOnce    Kind = "runonce"
	KindLoop       Kind = "loop"
	KindCreateEnvs Kind = "create-envs"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusPrecondition Status = "precondition"
	StatusInterrupted  Status = "interrupted"
	StatusError        Status = "error"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("history: store is closed")

// Run is one recorded engine invocation sequence. Retries within a loop
// iteration share one Run.
type Run struct {
	ID        string
	RunID     string
	Kind      Kind
	Loop      int
	Target    string
	StartedAt time.Time
	Duration  time.Duration
	Attempts  int
	Status    Status
	Error     string
}

// Store is a run history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path with owner-only permissions.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirMode); err != nil {
		return nil, fmt.Errorf("history: failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: failed to create schema: %w", err)
	}

	if err := fsutil.RestrictAccess(path); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		loop INTEGER NOT NULL DEFAULT 0,
		target TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('succeeded','failed','precondition','interrupted','error')),
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record inserts run. An empty ID is replaced with a fresh UUIDv7.
func (s *Store) Record(ctx context.Context, run Run) error {
	if s.db == nil {
		return ErrClosed
	}
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("history: failed to generate id: %w", err)
		}
		run.ID = id.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, run_id, kind, loop, target, started_at, duration_ms, attempts, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RunID, string(run.Kind), run.Loop, run.Target,
		run.StartedAt.UnixMilli(), run.Duration.Milliseconds(), run.Attempts,
		string(run.Status), run.Error,
	)
	if err != nil {
		return fmt.Errorf("history: failed to record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, loop, target, started_at, duration_ms, attempts, status, error
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			kind       string
			status     string
			startedAt  int64
			durationMs int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &kind, &r.Loop, &r.Target, &startedAt, &durationMs, &r.Attempts, &status, &r.Error); err != nil {
			return nil, fmt.Errorf("history: failed to scan run: %w", err)
		}
		r.Kind = Kind(kind)
		r.Status = Status(status)
		r.StartedAt = time.UnixMilli(startedAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: failed to read runs: %w", err)
	}
	return runs, nil
}
