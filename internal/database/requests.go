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

// RequestStore persists impersonation requests. State transitions are
// guarded UPDATEs, so the pending precondition is enforced by the database
// even if two writers race past the broker's locks.
type RequestStore struct {
	db *Database
}

// NewRequestStore creates a RequestStore.
func NewRequestStore(db *Database) *RequestStore {
	return &RequestStore{db: db}
}

// CreateTx inserts a new request within a transaction.
func (s *RequestStore) CreateTx(tx *sqlx.Tx, req *types.ImpersonationRequest) error {
	_, err := tx.NamedExec(`
		INSERT INTO impersonation_requests
			(id, support_user_id, target_user_id, target_site_id, reason,
			 session_duration_minutes, status, created_at, expires_at)
		VALUES
			(:id, :support_user_id, :target_user_id, :target_site_id, :reason,
			 :session_duration_minutes, :status, :created_at, :expires_at)`,
		req)
	return err
}

// Get fetches a request by id.
func (s *RequestStore) Get(ctx context.Context, id uuid.UUID) (*types.ImpersonationRequest, error) {
	var req types.ImpersonationRequest
	err := s.db.db.GetContext(ctx, &req,
		`SELECT * FROM impersonation_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetTx fetches a request by id within a transaction.
func (s *RequestStore) GetTx(tx *sqlx.Tx, id uuid.UUID) (*types.ImpersonationRequest, error) {
	var req types.ImpersonationRequest
	err := tx.Get(&req, `SELECT * FROM impersonation_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// TransitionTx moves a request out of pending. It returns false without
// changing anything when the request is no longer pending, which makes the
// expiry sweep idempotent and respond-vs-sweep races safe.
func (s *RequestStore) TransitionTx(tx *sqlx.Tx, id uuid.UUID, to types.RequestStatus, deniedReason string, respondedAt time.Time) (bool, error) {
	res, err := tx.Exec(`
		UPDATE impersonation_requests
		SET status = ?, denied_reason = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		to, deniedReason, respondedAt, id, types.RequestPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPendingForSites returns pending, unexpired requests targeting any of
// the given sites, newest first.
func (s *RequestStore) ListPendingForSites(ctx context.Context, siteIDs []uuid.UUID, now time.Time) ([]types.ImpersonationRequest, error) {
	if len(siteIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM impersonation_requests
		WHERE status = ? AND expires_at > ? AND target_site_id IN (?)
		ORDER BY created_at DESC`,
		types.RequestPending, now, siteIDs)
	if err != nil {
		return nil, err
	}
	var requests []types.ImpersonationRequest
	if err := s.db.db.SelectContext(ctx, &requests, s.db.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return requests, nil
}

// ListDuePending returns pending requests whose response window has closed.
func (s *RequestStore) ListDuePending(ctx context.Context, now time.Time, limit int) ([]types.ImpersonationRequest, error) {
	var requests []types.ImpersonationRequest
	err := s.db.db.SelectContext(ctx, &requests, `
		SELECT * FROM impersonation_requests
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`,
		types.RequestPending, now, limit)
	if err != nil {
		return nil, err
	}
	return requests, nil
}
