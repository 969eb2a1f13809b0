package types

import (
	"database/sql"
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

// NullUUID represents a UUID that may be null.
type NullUUID struct {
	UUID  uuid.UUID
	Valid bool
}

// Scan implements the sql.Scanner interface.
func (n *NullUUID) Scan(value interface{}) error {
	if value == nil {
		n.UUID, n.Valid = uuid.UUID{}, false
		return nil
	}
	n.Valid = true
	switch v := value.(type) {
	case string:
		var err error
		n.UUID, err = uuid.Parse(v)
		return err
	case []byte:
		var err error
		n.UUID, err = uuid.Parse(string(v))
		return err
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (n NullUUID) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.UUID.String(), nil
}

// AuditLog is one immutable record of a state-changing action. Entries are
// written in the same transaction as the transition they describe and are
// never updated or deleted by sitegate.
type AuditLog struct {
	ID          int64          `db:"id" json:"id"`
	Timestamp   time.Time      `db:"timestamp" json:"timestamp"`
	Action      string         `db:"action" json:"action"`
	ActorUserID NullUUID       `db:"actor_user_id" json:"actor_user_id"`
	SiteID      NullUUID       `db:"site_id" json:"site_id"`
	SessionID   NullUUID       `db:"session_id" json:"session_id,omitempty"`
	Details     JSONMap        `db:"details" json:"details"`
	IPAddress   sql.NullString `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   sql.NullString `db:"user_agent" json:"user_agent,omitempty"`
}

// Audit log action constants.
const (
	ActionImpersonationRequested = "impersonation_requested"
	ActionImpersonationApproved  = "impersonation_approved"
	ActionImpersonationDenied    = "impersonation_denied"
	ActionImpersonationCancelled = "impersonation_cancelled"
	ActionRequestExpired         = "request_expired"
	ActionImpersonationEnded     = "impersonation_ended"
	ActionImpersonationRevoked   = "impersonation_revoked"
	ActionSessionExpired         = "session_expired"
	ActionResponseRejected       = "impersonation_response_rejected"
	ActionRequestRejected        = "impersonation_request_rejected"
	ActionSessionEndRejected     = "impersonation_end_rejected"
)

// NewAuditLog creates an audit log entry for a site-scoped action.
func NewAuditLog(action string, actorUserID, siteID uuid.UUID) *AuditLog {
	return &AuditLog{
		Timestamp:   time.Now(),
		Action:      action,
		ActorUserID: NullUUID{UUID: actorUserID, Valid: actorUserID != uuid.Nil},
		SiteID:      NullUUID{UUID: siteID, Valid: siteID != uuid.Nil},
		Details:     make(JSONMap),
	}
}

// WithSession references the impersonation session the action concerns.
func (a *AuditLog) WithSession(sessionID uuid.UUID) *AuditLog {
	a.SessionID = NullUUID{UUID: sessionID, Valid: sessionID != uuid.Nil}
	return a
}

// WithDetails merges structured detail fields into the entry.
func (a *AuditLog) WithDetails(details map[string]interface{}) *AuditLog {
	if a.Details == nil {
		a.Details = make(JSONMap)
	}
	for k, v := range details {
		a.Details[k] = v
	}
	return a
}

// AddDetail adds a single key-value detail.
func (a *AuditLog) AddDetail(key string, value interface{}) *AuditLog {
	if a.Details == nil {
		a.Details = make(JSONMap)
	}
	a.Details[key] = value
	return a
}

// WithIPAddress records the actor's client IP.
func (a *AuditLog) WithIPAddress(ip string) *AuditLog {
	if ip != "" {
		a.IPAddress = sql.NullString{String: ip, Valid: true}
	}
	return a
}

// WithUserAgent records the actor's user agent.
func (a *AuditLog) WithUserAgent(ua string) *AuditLog {
	if ua != "" {
		a.UserAgent = sql.NullString{String: ua, Valid: true}
	}
	return a
}
