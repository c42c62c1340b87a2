// Package store keeps a local journal of past flash runs. Flashing is
// destructive, so a record of what was written where, and whether it
// worked, is worth a few rows of sqlite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one completed invocation, successful or not.
type Run struct {
	ID        string
	Image     string
	ImageSize uint64
	Check     bool
	Targets   []string
	StartedAt time.Time
	Status    string // "success" or "failed"
	Error     string
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS flash_runs (
	id         TEXT PRIMARY KEY,
	image      TEXT NOT NULL,
	image_size INTEGER NOT NULL,
	check_pass INTEGER NOT NULL,
	targets    TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT ''
)`

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create history table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Save(r *Run) error {
	targets, err := json.Marshal(r.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}

	query := `INSERT OR REPLACE INTO flash_runs (id, image, image_size, check_pass, targets, started_at, status, error)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.Exec(query,
		r.ID,
		r.Image,
		r.ImageSize,
		r.Check,
		string(targets),
		r.StartedAt.Unix(),
		r.Status,
		r.Error,
	)
	return err
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, image, image_size, check_pass, targets, started_at, status, error
         FROM flash_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var targets string
		var started int64

		if err := rows.Scan(&r.ID, &r.Image, &r.ImageSize, &r.Check, &targets, &started, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
			continue
		}

		r.StartedAt = time.Unix(started, 0)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
