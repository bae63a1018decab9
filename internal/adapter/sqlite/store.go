// Package sqlite is confctl's local index: the GC-root registry protecting
// build artifacts referenced by generations, and a log of deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS gc_roots (
	owner TEXT NOT NULL,
	path TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	PRIMARY KEY (owner, path)
);
CREATE INDEX IF NOT EXISTS gc_roots_path ON gc_roots (path);
CREATE TABLE IF NOT EXISTS deploy_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	host TEXT NOT NULL,
	action TEXT NOT NULL,
	generation TEXT NOT NULL,
	toplevel TEXT NOT NULL,
	state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deploy_log_host ON deploy_log (host, id);
`

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set index db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set index db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize index schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RegisterRoots protects paths on behalf of owner. Registering a path
// twice is a no-op.
func (s *Store) RegisterRoots(ctx context.Context, owner string, paths []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register gc roots of %s: %w", owner, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gc_roots (owner, path, registered_at) VALUES (?, ?, ?)
			 ON CONFLICT(owner, path) DO NOTHING`,
			owner, p, now,
		); err != nil {
			return fmt.Errorf("register gc root %s of %s: %w", p, owner, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("register gc roots of %s: %w", owner, err)
	}
	return nil
}

// UnregisterRoots drops every root held by owner.
func (s *Store) UnregisterRoots(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gc_roots WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("unregister gc roots of %s: %w", owner, err)
	}
	return nil
}

// Roots returns the paths registered by owner, sorted.
func (s *Store) Roots(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM gc_roots WHERE owner = ? ORDER BY path`, owner)
	if err != nil {
		return nil, fmt.Errorf("list gc roots of %s: %w", owner, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan gc root row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gc root rows: %w", err)
	}
	return out, nil
}

// Protected reports whether any owner still holds path.
func (s *Store) Protected(ctx context.Context, path string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gc_roots WHERE path = ?`, path).Scan(&n); err != nil {
		return false, fmt.Errorf("query gc root %s: %w", path, err)
	}
	return n > 0, nil
}

// DeployEntry is one host's outcome in a deployment run.
type DeployEntry struct {
	RunID      string
	Host       string
	Action     string
	Generation string
	Toplevel   string
	State      string
	Error      string
	FinishedAt time.Time
}

func (s *Store) RecordDeploy(ctx context.Context, e DeployEntry) error {
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deploy_log (run_id, host, action, generation, toplevel, state, error, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Host, e.Action, e.Generation, e.Toplevel, e.State, e.Error,
		e.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record deploy of %s: %w", e.Host, err)
	}
	return nil
}

// DeployHistory returns the latest entries for host, newest first. An
// empty host returns entries of every host.
func (s *Store) DeployHistory(ctx context.Context, host string, limit int) ([]DeployEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, host, action, generation, toplevel, state, error, finished_at
		 FROM deploy_log WHERE (? = '' OR host = ?) ORDER BY id DESC LIMIT ?`,
		host, host, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deploy log: %w", err)
	}
	defer rows.Close()

	var out []DeployEntry
	for rows.Next() {
		var (
			e        DeployEntry
			finished string
		)
		if err := rows.Scan(&e.RunID, &e.Host, &e.Action, &e.Generation, &e.Toplevel, &e.State, &e.Error, &finished); err != nil {
			return nil, fmt.Errorf("scan deploy log row: %w", err)
		}
		e.FinishedAt, err = time.Parse(time.RFC3339Nano, finished)
		if err != nil {
			return nil, fmt.Errorf("parse deploy log time %q: %w", finished, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deploy log rows: %w", err)
	}
	return out, nil
}
