// Package history keeps a local SQLite log of backup runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one finished backup.
type Run struct {
	Session     string
	Source      string
	Destination string
	Started     time.Time
	Finished    time.Time
	// Result is "ok", "aborted" or "failed".
	Result    string
	ErrorCode int
	Error     string

	FilesCopied    int64
	BytesCopied    int64
	WritesMirrored int64
	FilesVanished  int64

	// Mismatches lists files a post-backup verify flagged.
	Mismatches []string
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// ErrNoRuns is returned by Last when nothing has been recorded.
var ErrNoRuns = errors.New("no recorded runs")

// Store is an open history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			session         TEXT PRIMARY KEY,
			source          TEXT NOT NULL,
			destination     TEXT NOT NULL,
			started         INTEGER NOT NULL,
			finished        INTEGER NOT NULL,
			result          TEXT NOT NULL,
			error_code      INTEGER NOT NULL,
			error           TEXT NOT NULL,
			files_copied    INTEGER NOT NULL,
			bytes_copied    INTEGER NOT NULL,
			writes_mirrored INTEGER NOT NULL,
			files_vanished  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS mismatches (
			session TEXT NOT NULL REFERENCES runs(session),
			path    TEXT NOT NULL,
			PRIMARY KEY (session, path)
		);
		CREATE INDEX IF NOT EXISTS runs_started ON runs(started);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Record stores r and its mismatches in one transaction.
func (s *Store) Record(ctx context.Context, r Run) error {
	if r.Session == "" {
		return errors.New("record run: empty session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (session, source, destination, started, finished, result,
			error_code, error, files_copied, bytes_copied, writes_mirrored, files_vanished)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Session, r.Source, r.Destination, r.Started.UnixNano(), r.Finished.UnixNano(), r.Result,
		r.ErrorCode, r.Error, r.FilesCopied, r.BytesCopied, r.WritesMirrored, r.FilesVanished)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.Session, err)
	}

	if len(r.Mismatches) > 0 {
		stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO mismatches (session, path) VALUES (?, ?)")
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, p := range r.Mismatches {
			if _, err := stmt.ExecContext(ctx, r.Session, p); err != nil {
				return fmt.Errorf("insert mismatch %s: %w", p, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT session, source, destination, started, finished, result, error_code,
		error, files_copied, bytes_copied, writes_mirrored, files_vanished
		FROM runs ORDER BY started DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.Session, &r.Source, &r.Destination, &started, &finished, &r.Result,
			&r.ErrorCode, &r.Error, &r.FilesCopied, &r.BytesCopied, &r.WritesMirrored, &r.FilesVanished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(0, started)
		r.Finished = time.Unix(0, finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Mismatches, err = s.mismatches(ctx, runs[i].Session); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// Last returns the most recent run.
func (s *Store) Last(ctx context.Context) (Run, error) {
	runs, err := s.List(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNoRuns
	}
	return runs[0], nil
}

func (s *Store) mismatches(ctx context.Context, session string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM mismatches WHERE session = ? ORDER BY path", session)
	if err != nil {
		return nil, fmt.Errorf("query mismatches: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
