// Package store provides SQLite-backed persistence for sessions, crash
// recovery snapshots, and the browser approval event log.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id       TEXT PRIMARY KEY,
	title    TEXT NOT NULL DEFAULT '',
	created  INTEGER NOT NULL,
	updated  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id    TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	thinking      TEXT NOT NULL DEFAULT '',
	tool_calls    TEXT,
	tool_call_id  TEXT NOT NULL DEFAULT '',
	created       INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id  TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	created     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_events (
	id          TEXT PRIMARY KEY,
	tool        TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	risk        TEXT NOT NULL DEFAULT '',
	target      TEXT NOT NULL DEFAULT '',
	approved    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated);
CREATE INDEX IF NOT EXISTS idx_approval_created ON approval_events(created);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
