// Package types provides the domain types shared across sitegate.
package types

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the state of an impersonation request. A request leaves
// pending exactly once and never transitions again afterwards.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

// IsTerminal returns true for every status except pending.
func (s RequestStatus) IsTerminal() bool {
	return s != RequestPending
}

// EndReason records how an impersonation session was terminated.
type EndReason string

const (
	EndReasonManual  EndReason = "manual"
	EndReasonExpired EndReason = "expired"
	EndReasonRevoked EndReason = "revoked"
)

// RequestTTL is how long a pending request stays answerable.
const RequestTTL = 5 * time.Minute

// Requested session duration bounds, pre-clamp, in minutes.
const (
	MinSessionMinutes = 5
	MaxSessionMinutes = 60
)

// ImpersonationRequest asks a site owner to let a support agent act as the
// target user on the target site for a bounded duration.
type ImpersonationRequest struct {
	ID                     uuid.UUID     `db:"id" json:"id"`
	SupportUserID          uuid.UUID     `db:"support_user_id" json:"support_user_id"`
	TargetUserID           uuid.UUID     `db:"target_user_id" json:"target_user_id"`
	TargetSiteID           uuid.UUID     `db:"target_site_id" json:"target_site_id"`
	Reason                 string        `db:"reason" json:"reason"`
	SessionDurationMinutes int           `db:"session_duration_minutes" json:"session_duration_minutes"`
	Status                 RequestStatus `db:"status" json:"status"`
	DeniedReason           string        `db:"denied_reason" json:"denied_reason,omitempty"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	ExpiresAt              time.Time     `db:"expires_at" json:"expires_at"`
	RespondedAt            *time.Time    `db:"responded_at" json:"responded_at,omitempty"`
}

// IsExpired reports whether the response window has closed.
func (r *ImpersonationRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ImpersonationSession is the time-boxed grant produced by an approved
// request. EffectiveRole is never RoleOwner.
type ImpersonationSession struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	RequestID     uuid.UUID  `db:"request_id" json:"request_id"`
	SupportUserID uuid.UUID  `db:"support_user_id" json:"support_user_id"`
	TargetUserID  uuid.UUID  `db:"target_user_id" json:"target_user_id"`
	TargetSiteID  uuid.UUID  `db:"target_site_id" json:"target_site_id"`
	EffectiveRole SiteRole   `db:"effective_role" json:"effective_role"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	EndReason     EndReason  `db:"end_reason" json:"end_reason,omitempty"`
	EndedBy       NullUUID   `db:"ended_by" json:"ended_by,omitempty"`
	EndedAt       *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// IsExpired reports whether the session's absolute deadline has passed.
func (s *ImpersonationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Usable is the per-use check every privileged action must make. The session
// record is not a capability token; callers re-validate on each access.
func (s *ImpersonationSession) Usable(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// CreateRequestInput is the payload for creating an impersonation request,
// via REST or the WebSocket.
type CreateRequestInput struct {
	SupportUserID          uuid.UUID `json:"support_user_id" validate:"required"`
	TargetUserID           uuid.UUID `json:"target_user_id" validate:"required"`
	TargetSiteID           uuid.UUID `json:"target_site_id" validate:"required"`
	Reason                 string    `json:"reason" validate:"required,min=10"`
	SessionDurationMinutes int       `json:"session_duration_minutes" validate:"required,gte=5,lte=60"`
}

// RespondInput is an owner's answer to a pending request.
type RespondInput struct {
	RequestID    uuid.UUID `json:"request_id" validate:"required"`
	OwnerID      uuid.UUID `json:"owner_id" validate:"required"`
	Approved     bool      `json:"approved"`
	DeniedReason string    `json:"denied_reason,omitempty"`
}

// EndSessionInput terminates an active session, either by the holding
// support agent (manual) or by the site owner (revoked).
type EndSessionInput struct {
	SessionID uuid.UUID `json:"session_id" validate:"required"`
	UserID    uuid.UUID `json:"user_id" validate:"required"`
	Reason    string    `json:"reason,omitempty"`
}

// CreateRequestResponse is returned to the support agent after creation.
type CreateRequestResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RespondResponse is returned to the owner after approve/deny.
type RespondResponse struct {
	Approved  bool       `json:"approved"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

// VerifySessionResponse tells the application shell whether a session may
// still back privileged actions.
type VerifySessionResponse struct {
	Valid   bool                  `json:"valid"`
	Reason  string                `json:"reason,omitempty"`
	Session *ImpersonationSession `json:"session,omitempty"`
}

// PendingRequestsResponse lists pending requests for sites the caller owns.
type PendingRequestsResponse struct {
	Requests []ImpersonationRequest `json:"requests"`
}

// SessionsResponse lists active sessions for a support agent or an owner.
type SessionsResponse struct {
	Sessions []ImpersonationSession `json:"sessions"`
}
