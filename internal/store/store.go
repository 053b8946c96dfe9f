// Package store provides the durable SQLite-backed relational store
// backing projects, agents, keys, contacts, mail, chat sessions, and
// reservations.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store wraps a single SQLite connection. SQLite allows only one writer
// at a time, so all access is serialized through mu and the pool is
// capped at one connection.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens or creates the SQLite database at path. ":memory:" is
// accepted for tests. An empty path defaults to
// $XDG_CONFIG_HOME/aweb/aweb.db (or ~/.config/aweb/aweb.db).
func Open(path string) (*Store, error) {
	if path == "" {
		dir := os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home dir: %w", err)
			}
			dir = filepath.Join(home, ".config")
		}
		path = filepath.Join(dir, "aweb", "aweb.db")
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	if path == ":memory:" {
		// WAL is meaningless on an in-memory handle and a dedicated
		// connection must be shared, not pooled, across calls.
		dsn = "file::memory:?_foreign_keys=ON&cache=shared"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string {
	return s.path
}

// Migrate creates every table the core needs if it does not already
// exist. There is no versioned migration chain: schema evolution is out
// of scope for the core (see SPEC_FULL.md's non-goals).
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Tx wraps an in-flight transaction handed to a Transaction callback.
type Tx struct {
	tx *sql.Tx
}

// Transaction runs fn inside a SQL transaction, committing on success
// and rolling back if fn returns an error.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		slug       TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		deleted_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_slug_active
		ON projects(slug) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS agents (
		agent_id    TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL REFERENCES projects(project_id),
		alias       TEXT NOT NULL,
		human_name  TEXT NOT NULL DEFAULT '',
		agent_type  TEXT NOT NULL DEFAULT '',
		access_mode TEXT NOT NULL DEFAULT 'open',
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  DATETIME NOT NULL,
		deleted_at  DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_project_alias_active
		ON agents(project_id, alias) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		api_key_id   TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(project_id),
		agent_id     TEXT REFERENCES agents(agent_id),
		key_hash     TEXT NOT NULL,
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   DATETIME NOT NULL,
		last_used_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		project_id      TEXT NOT NULL REFERENCES projects(project_id),
		agent_id        TEXT NOT NULL REFERENCES agents(agent_id),
		contact_address TEXT NOT NULL,
		created_at      DATETIME NOT NULL,
		PRIMARY KEY (agent_id, contact_address)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		message_id    TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL REFERENCES projects(project_id),
		from_agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		to_agent_id   TEXT NOT NULL REFERENCES agents(agent_id),
		from_alias    TEXT NOT NULL,
		subject       TEXT NOT NULL DEFAULT '',
		body          TEXT NOT NULL,
		priority      TEXT NOT NULL DEFAULT 'normal',
		thread_id     TEXT,
		created_at    DATETIME NOT NULL,
		read_at       DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(to_agent_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id       TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL REFERENCES projects(project_id),
		participant_hash TEXT NOT NULL,
		created_at       DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_participant_hash
		ON chat_sessions(project_id, participant_hash)`,

	`CREATE TABLE IF NOT EXISTS chat_session_participants (
		session_id TEXT NOT NULL REFERENCES chat_sessions(session_id),
		agent_id   TEXT NOT NULL REFERENCES agents(agent_id),
		alias      TEXT NOT NULL,
		joined_at  DATETIME NOT NULL,
		PRIMARY KEY (session_id, agent_id)
	)`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id     TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL REFERENCES chat_sessions(session_id),
		from_agent_id  TEXT NOT NULL REFERENCES agents(agent_id),
		from_alias     TEXT NOT NULL,
		body           TEXT NOT NULL,
		sender_leaving INTEGER NOT NULL DEFAULT 0,
		hang_on        INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at ASC)`,

	`CREATE TABLE IF NOT EXISTS chat_read_receipts (
		session_id          TEXT NOT NULL REFERENCES chat_sessions(session_id),
		agent_id            TEXT NOT NULL REFERENCES agents(agent_id),
		last_read_message_id TEXT,
		last_read_at        DATETIME,
		PRIMARY KEY (session_id, agent_id)
	)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		project_id        TEXT NOT NULL REFERENCES projects(project_id),
		resource_key      TEXT NOT NULL,
		holder_agent_id   TEXT NOT NULL REFERENCES agents(agent_id),
		holder_alias      TEXT NOT NULL,
		acquired_at       DATETIME NOT NULL,
		expires_at        DATETIME NOT NULL,
		metadata_json     TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (project_id, resource_key)
	)`,
}
