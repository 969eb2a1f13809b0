// Package database provides the SQLite-backed stores for sitegate.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	"github.com/brickworks/sitegate/internal/database/sqliteconfig"

	_ "modernc.org/sqlite"
)

// Database errors.
var (
	ErrBuildConnectionURL = errors.New("failed to build SQLite connection URL")
	ErrOpenDatabase       = errors.New("failed to open database")
	ErrPingDatabase       = errors.New("failed to ping database")
	ErrApplySchema        = errors.New("failed to apply schema")
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// Open creates a Database at the given path with the sitegate schema applied.
func Open(path string) (*Database, error) {
	return OpenWithConfig(sqliteconfig.Default(path))
}

// OpenMemory creates an in-memory Database, used by tests.
func OpenMemory() (*Database, error) {
	return OpenWithConfig(sqliteconfig.Memory())
}

// OpenWithConfig creates a Database with custom SQLite configuration.
func OpenWithConfig(cfg *sqliteconfig.Config) (*Database, error) {
	connectionURL, err := cfg.ToURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildConnectionURL, err)
	}

	log.Debug().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Msg("Opening SQLite database")

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDatabase, err)
	}

	// SQLite concurrency settings: single connection model. Connection
	// handlers and the sweeps all write; serialization happens here and in
	// the broker's keyed locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPingDatabase, err)
	}

	s := &squibble.Schema{Current: Schema()}
	if err := s.Apply(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrApplySchema, err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced operations.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// WithTx executes a function within a database transaction. Audit entries
// and their triggering state transitions commit or roll back together.
func (d *Database) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Schema returns the sitegate database schema.
func Schema() string {
	return `
-- Site memberships, owned by the main application; sitegate reads them to
-- answer ownership and role questions.
CREATE TABLE IF NOT EXISTS site_memberships (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    site_id TEXT NOT NULL,
    role TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    UNIQUE (user_id, site_id)
);

CREATE INDEX IF NOT EXISTS idx_memberships_site_role ON site_memberships(site_id, role, is_active);
CREATE INDEX IF NOT EXISTS idx_memberships_user ON site_memberships(user_id, is_active);

-- Support agent profiles.
CREATE TABLE IF NOT EXISTS support_profiles (
    user_id TEXT PRIMARY KEY,
    is_support_agent INTEGER NOT NULL DEFAULT 0,
    level TEXT NOT NULL DEFAULT 'tier1',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Auth tokens, issued by the main application's login flow.
CREATE TABLE IF NOT EXISTS auth_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    expires_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_auth_tokens_user ON auth_tokens(user_id);

-- Impersonation requests.
CREATE TABLE IF NOT EXISTS impersonation_requests (
    id TEXT PRIMARY KEY,
    support_user_id TEXT NOT NULL,
    target_user_id TEXT NOT NULL,
    target_site_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    session_duration_minutes INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    denied_reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    responded_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_requests_status_expiry ON impersonation_requests(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_requests_site ON impersonation_requests(target_site_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_support ON impersonation_requests(support_user_id, status);

-- Impersonation sessions.
CREATE TABLE IF NOT EXISTS impersonation_sessions (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    support_user_id TEXT NOT NULL,
    target_user_id TEXT NOT NULL,
    target_site_id TEXT NOT NULL,
    effective_role TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    end_reason TEXT NOT NULL DEFAULT '',
    ended_by TEXT,
    ended_at DATETIME,
    FOREIGN KEY (request_id) REFERENCES impersonation_requests(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_active_expiry ON impersonation_sessions(is_active, expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_support_site ON impersonation_sessions(support_user_id, target_site_id, is_active);
CREATE INDEX IF NOT EXISTS idx_sessions_site ON impersonation_sessions(target_site_id, is_active);

-- Audit log, append-only.
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
    action TEXT NOT NULL,
    actor_user_id TEXT,
    site_id TEXT,
    session_id TEXT,
    details TEXT,
    ip_address TEXT,
    user_agent TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_site ON audit_log(site_id);
`
}
