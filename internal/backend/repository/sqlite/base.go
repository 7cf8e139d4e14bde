// Package sqlite provides SQLite-based repository implementations for the
// Backend's entities.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQLite-based storage for sessions, runs, messages,
// tool executions, usage logs, user input requests, skill import jobs,
// presets, and env vars.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// New creates a repository that owns its connections.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if r.ro != nil {
		_ = r.ro.Close()
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// reader returns the read pool, falling back to the writer when no
// separate reader was provided (tests).
func (r *Repository) reader() *sqlx.DB {
	if r.ro != nil {
		return r.ro
	}
	return r.db
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initRunSchema(); err != nil {
		return err
	}
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	if err := r.initJobSchema(); err != nil {
		return err
	}
	if err := r.initPresetSchema(); err != nil {
		return err
	}
	return r.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Add title column to sessions (ignore error if already exists)
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN title TEXT DEFAULT ''`)
	return nil
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		sdk_session_id TEXT,
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		config_snapshot TEXT DEFAULT '{}',
		state_patch TEXT,
		workspace_files_prefix TEXT DEFAULT '',
		workspace_manifest_key TEXT DEFAULT '',
		workspace_archive_key TEXT DEFAULT '',
		workspace_export_status TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_sdk_session_id ON sessions(sdk_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

func (r *Repository) initRunSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_mode TEXT NOT NULL DEFAULT 'immediate',
		scheduled_at TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'queued',
		worker_id TEXT,
		lease_expires_at TIMESTAMP,
		progress INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(status, schedule_mode, scheduled_at, created_at);
	`)
	return err
}

func (r *Repository) initMessageSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'assistant',
		content TEXT NOT NULL DEFAULT '{}',
		text_preview TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tool_use_id TEXT NOT NULL,
		message_id INTEGER,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_input TEXT DEFAULT '{}',
		tool_output TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		result_message_id INTEGER,
		duration_ms INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE(session_id, tool_use_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tool_executions_session ON tool_executions(session_id, id);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		usage TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_usage_logs_session ON usage_logs(session_id, id);
	`)
	return err
}

func (r *Repository) initJobSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS user_input_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		tool_input TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		answers TEXT,
		expires_at TIMESTAMP NOT NULL,
		answered_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_user_input_requests_session ON user_input_requests(session_id, status);

	CREATE TABLE IF NOT EXISTS skill_import_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		archive_key TEXT NOT NULL,
		selections TEXT DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'queued',
		progress INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT DEFAULT '',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_skill_import_jobs_status ON skill_import_jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_skill_import_jobs_user ON skill_import_jobs(user_id, created_at);
	`)
	return err
}

func (r *Repository) initPresetSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS presets (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		transport TEXT DEFAULT '',
		entry TEXT DEFAULT '',
		default_config TEXT DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(kind, name)
	);

	CREATE TABLE IF NOT EXISTS env_vars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(user_id, key)
	);
	`)
	return err
}
