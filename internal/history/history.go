// Package history keeps a log of connection attempts in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id         TEXT PRIMARY KEY,
	server     TEXT NOT NULL,
	transport  TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL,
	connected  INTEGER NOT NULL,
	reset      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_started ON attempts(started_at);
`

// Attempt is one iteration of the supervisor loop.
type Attempt struct {
	ID        string
	Server    string
	Transport string
	StartedAt time.Time
	EndedAt   time.Time
	// Connected reports whether the tunnel came up during the attempt.
	Connected bool
	// Reset is the reason the attempt ended, empty when it was cancelled.
	Reset string
}

// Duration is how long the attempt lasted.
func (a Attempt) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// Store persists attempts.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished attempt.
func (s *Store) Record(ctx context.Context, a Attempt) error {
	query := `
		INSERT INTO attempts (id, server, transport, started_at, ended_at, connected, reset)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Server, a.Transport,
		a.StartedAt.UnixMilli(), a.EndedAt.UnixMilli(),
		a.Connected, a.Reset,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	query := `
		SELECT id, server, transport, started_at, ended_at, connected, reset
		FROM attempts
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a              Attempt
			started, ended int64
		)
		if err := rows.Scan(&a.ID, &a.Server, &a.Transport, &started, &ended, &a.Connected, &a.Reset); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.StartedAt = time.UnixMilli(started)
		a.EndedAt = time.UnixMilli(ended)
		out = append(out, a)
	}
	return out, rows.Err()
}
