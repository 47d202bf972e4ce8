// Package store provides the SQLite-backed run index kept at
// <home>/runs.db. It is a convenience catalog over the run
// directories: the state files inside them remain the source of truth.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is the SQLite-backed run index.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the index database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run index: %w", err)
	}

	// WAL lets observer commands read while a run is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema if not already at the current version.
func (s *Store) migrate() error {
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&name)

	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version < currentSchemaVersion {
		return fmt.Errorf("schema version %d is older than %d — migration not yet implemented", version, currentSchemaVersion)
	}
	return nil
}

// Run is one indexed run.
type Run struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Goal      string    `json:"goal,omitempty"`
	Workdir   string    `json:"workdir"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Upsert records or refreshes a run's row. Called at run start and
// again at every terminal transition, so the index reflects the last
// known status even across resumes.
func (s *Store) Upsert(r *Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, status, goal, workdir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   status = excluded.status,
		   goal = excluded.goal,
		   workdir = excluded.workdir,
		   created_at = COALESCE(NULLIF(runs.created_at, ''), excluded.created_at),
		   updated_at = excluded.updated_at`,
		r.RunID, r.Status, r.Goal, r.Workdir, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("indexing run %s: %w", r.RunID, err)
	}
	return nil
}

// Get returns one indexed run.
func (s *Store) Get(runID string) (*Run, error) {
	r := &Run{}
	err := s.db.QueryRow(
		`SELECT run_id, status, COALESCE(goal, ''), workdir, created_at, updated_at, indexed_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.Status, &r.Goal, &r.Workdir, &r.CreatedAt, &r.UpdatedAt, &r.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not in index", runID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Recent returns up to limit runs, newest first. Run ids sort
// chronologically by construction.
func (s *Store) Recent(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, status, COALESCE(goal, ''), workdir, created_at, updated_at, indexed_at
		 FROM runs ORDER BY run_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		if err := rows.Scan(&r.RunID, &r.Status, &r.Goal, &r.Workdir, &r.CreatedAt, &r.UpdatedAt, &r.IndexedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
