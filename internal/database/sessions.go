package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brickworks/sitegate/internal/types"
)

// SessionStore persists impersonation sessions.
type SessionStore struct {
	db *Database
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *Database) *SessionStore {
	return &SessionStore{db: db}
}

// CreateTx inserts a new session within a transaction.
func (s *SessionStore) CreateTx(tx *sqlx.Tx, sess *types.ImpersonationSession) error {
	_, err := tx.NamedExec(`
		INSERT INTO impersonation_sessions
			(id, request_id, support_user_id, target_user_id, target_site_id,
			 effective_role, started_at, expires_at, is_active)
		VALUES
			(:id, :request_id, :support_user_id, :target_user_id, :target_site_id,
			 :effective_role, :started_at, :expires_at, :is_active)`,
		sess)
	return err
}

// Get fetches a session by id.
func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*types.ImpersonationSession, error) {
	var sess types.ImpersonationSession
	err := s.db.db.GetContext(ctx, &sess,
		`SELECT * FROM impersonation_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetTx fetches a session by id within a transaction.
func (s *SessionStore) GetTx(tx *sqlx.Tx, id uuid.UUID) (*types.ImpersonationSession, error) {
	var sess types.ImpersonationSession
	err := tx.Get(&sess, `SELECT * FROM impersonation_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ActiveForPairTx returns the active session for a (support user, site)
// pair, or nil. At most one may exist at a time.
func (s *SessionStore) ActiveForPairTx(tx *sqlx.Tx, supportUserID, siteID uuid.UUID) (*types.ImpersonationSession, error) {
	var sess types.ImpersonationSession
	err := tx.Get(&sess, `
		SELECT * FROM impersonation_sessions
		WHERE support_user_id = ? AND target_site_id = ? AND is_active = 1`,
		supportUserID, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndTx deactivates a session, recording the end reason exactly once. It
// returns false without changing anything when the session is already
// inactive, making the expiry sweep idempotent.
func (s *SessionStore) EndTx(tx *sqlx.Tx, id uuid.UUID, reason types.EndReason, endedBy uuid.UUID, endedAt time.Time) (bool, error) {
	res, err := tx.Exec(`
		UPDATE impersonation_sessions
		SET is_active = 0, end_reason = ?, ended_by = ?, ended_at = ?
		WHERE id = ? AND is_active = 1`,
		reason, types.NullUUID{UUID: endedBy, Valid: endedBy != uuid.Nil}, endedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListActiveForSupport returns the active sessions held by a support agent.
func (s *SessionStore) ListActiveForSupport(ctx context.Context, supportUserID uuid.UUID) ([]types.ImpersonationSession, error) {
	var sessions []types.ImpersonationSession
	err := s.db.db.SelectContext(ctx, &sessions, `
		SELECT * FROM impersonation_sessions
		WHERE support_user_id = ? AND is_active = 1
		ORDER BY started_at DESC`,
		supportUserID)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListActiveForSites returns the active sessions on any of the given sites.
func (s *SessionStore) ListActiveForSites(ctx context.Context, siteIDs []uuid.UUID) ([]types.ImpersonationSession, error) {
	if len(siteIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM impersonation_sessions
		WHERE is_active = 1 AND target_site_id IN (?)
		ORDER BY started_at DESC`,
		siteIDs)
	if err != nil {
		return nil, err
	}
	var sessions []types.ImpersonationSession
	if err := s.db.db.SelectContext(ctx, &sessions, s.db.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListDueActive returns active sessions whose absolute deadline has passed.
func (s *SessionStore) ListDueActive(ctx context.Context, now time.Time, limit int) ([]types.ImpersonationSession, error) {
	var sessions []types.ImpersonationSession
	err := s.db.db.SelectContext(ctx, &sessions, `
		SELECT * FROM impersonation_sessions
		WHERE is_active = 1 AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
