// Package storage owns the shared SQLite database: opening,
// pragmas, and schema creation for the agents, tasks, task_deps,
// task_notes, locks and activity_log tables.
//
// The agent, task and lock packages receive the *sql.DB from here and
// own their queries; only the schema lives in one place so migrations
// stay coherent across subsystems.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// TimeFormat is the canonical timestamp layout stored in every table.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	token             TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	capabilities      TEXT NOT NULL DEFAULT '[]',
	status            TEXT NOT NULL,
	current_task      TEXT,
	working_directory TEXT NOT NULL DEFAULT '',
	session_handle    TEXT NOT NULL DEFAULT '',
	color             TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	terminated_at     TEXT,
	last_active_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_id ON agents(agent_id);

CREATE TABLE IF NOT EXISTS tasks (
	task_id     TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	assigned_to TEXT,
	parent_task TEXT REFERENCES tasks(task_id),
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id    TEXT NOT NULL REFERENCES tasks(task_id),
	depends_on TEXT NOT NULL REFERENCES tasks(task_id),
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS task_notes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(task_id),
	author     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_notes_task ON task_notes(task_id);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id    TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	source_ref  TEXT NOT NULL,
	chunk_text  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS locks (
	path          TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	operation     TEXT NOT NULL,
	locked_at     TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	lease_seconds INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id      TEXT NOT NULL,
	operation     TEXT NOT NULL,
	path          TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	lease_seconds INTEGER NOT NULL
);
`

// Open creates (if needed) and opens the database at path, applies
// pragmas, and ensures the schema exists. The caller owns Close.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer: the modernc driver serializes writes per
	// connection; one connection sidesteps SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}

// OpenMemory opens a fresh in-memory database with the full schema.
// Intended for tests.
func OpenMemory() (*sql.DB, error) {
	return Open(":memory:")
}
