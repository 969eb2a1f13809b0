package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/brickworks/sitegate/internal/types"
)

// AuditStore appends audit log entries. There are no update or delete
// operations; the table is append-only by construction.
type AuditStore struct {
	db *Database
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(db *Database) *AuditStore {
	return &AuditStore{db: db}
}

// AppendTx writes one entry within a transaction. Callers run it in the
// same transaction as the state change it records, so a failed audit write
// rolls the transition back.
func (s *AuditStore) AppendTx(tx *sqlx.Tx, entry *types.AuditLog) error {
	res, err := tx.NamedExec(`
		INSERT INTO audit_log
			(timestamp, action, actor_user_id, site_id, session_id, details, ip_address, user_agent)
		VALUES
			(:timestamp, :action, :actor_user_id, :site_id, :session_id, :details, :ip_address, :user_agent)`,
		entry)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListBySite returns entries for a site, newest first.
func (s *AuditStore) ListBySite(ctx context.Context, siteID uuid.UUID, limit int) ([]types.AuditLog, error) {
	var entries []types.AuditLog
	err := s.db.db.SelectContext(ctx, &entries, `
		SELECT * FROM audit_log
		WHERE site_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		siteID, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListByAction returns entries for an action, newest first. Tests and the
// support dashboard use it to confirm specific transitions were recorded.
func (s *AuditStore) ListByAction(ctx context.Context, action string, limit int) ([]types.AuditLog, error) {
	var entries []types.AuditLog
	err := s.db.db.SelectContext(ctx, &entries, `
		SELECT * FROM audit_log
		WHERE action = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		action, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
