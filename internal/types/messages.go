package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the closed set of wire message types carried over the
// persistent connection. Adding a kind means extending the switch in
// DecodeInbound and the transport dispatcher; the compiler and tests keep
// the set exhaustive.
type MessageKind string

const (
	KindImpersonationRequest  MessageKind = "impersonation_request"
	KindImpersonationApproved MessageKind = "impersonation_approved"
	KindImpersonationDenied   MessageKind = "impersonation_denied"
	KindImpersonationRevoked  MessageKind = "impersonation_revoked"
	KindSessionEnd            MessageKind = "session_end"
	KindSessionExpired        MessageKind = "session_expired"
	KindConnected             MessageKind = "connected"
	KindDisconnected          MessageKind = "disconnected"
	KindError                 MessageKind = "error"
	KindPing                  MessageKind = "ping"
	KindPong                  MessageKind = "pong"
	KindSubscribe             MessageKind = "subscribe"
	KindSubscribed            MessageKind = "subscribed"
)

// InboundKinds are the kinds a client may send. Everything else on the read
// path is a protocol error.
var InboundKinds = []MessageKind{
	KindImpersonationRequest,
	KindImpersonationApproved,
	KindImpersonationDenied,
	KindSessionEnd,
	KindPing,
	KindSubscribe,
}

// RequestMessage announces a new or pending impersonation request to an
// owner, and is also the inbound shape a support agent sends to create one.
type RequestMessage struct {
	Type                   MessageKind `json:"type"`
	RequestID              uuid.UUID   `json:"request_id,omitempty"`
	SupportUserID          uuid.UUID   `json:"support_user_id"`
	TargetUserID           uuid.UUID   `json:"target_user_id"`
	TargetSiteID           uuid.UUID   `json:"target_site_id"`
	Reason                 string      `json:"reason"`
	SessionDurationMinutes int         `json:"session_duration_minutes"`
	ExpiresAt              time.Time   `json:"expires_at,omitempty"`
}

// ResponseMessage is an owner's approve/deny, inbound; the same kinds are
// echoed outbound to the requesting support agent with the outcome.
type ResponseMessage struct {
	Type         MessageKind `json:"type"`
	RequestID    uuid.UUID   `json:"request_id"`
	OwnerID      uuid.UUID   `json:"owner_id,omitempty"`
	Approved     bool        `json:"approved"`
	SessionID    *uuid.UUID  `json:"session_id,omitempty"`
	DeniedReason string      `json:"denied_reason,omitempty"`
}

// SessionEndMessage asks to end a session (inbound) or notifies that one
// ended (outbound, as impersonation_revoked or session_expired).
type SessionEndMessage struct {
	Type      MessageKind `json:"type"`
	SessionID uuid.UUID   `json:"session_id"`
	UserID    uuid.UUID   `json:"user_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// StatusMessage covers connection lifecycle and keepalive kinds.
type StatusMessage struct {
	Type   MessageKind `json:"type"`
	UserID uuid.UUID   `json:"user_id,omitempty"`
}

// ErrorMessage reports a local protocol or handling error to the sender.
// It is never fanned out to other principals.
type ErrorMessage struct {
	Type    MessageKind `json:"type"`
	Message string      `json:"message"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: KindError, Message: msg}
}

// InboundMessage is implemented by every message a client may send.
type InboundMessage interface {
	Kind() MessageKind
}

func (m RequestMessage) Kind() MessageKind    { return m.Type }
func (m ResponseMessage) Kind() MessageKind   { return m.Type }
func (m SessionEndMessage) Kind() MessageKind { return m.Type }
func (m StatusMessage) Kind() MessageKind     { return m.Type }

// DecodeInbound parses a raw frame into its concrete inbound message. The
// switch is the single place inbound kinds are enumerated.
func DecodeInbound(raw []byte) (InboundMessage, error) {
	var head struct {
		Type MessageKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch head.Type {
	case KindImpersonationRequest:
		var m RequestMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return m, nil
	case KindImpersonationApproved, KindImpersonationDenied:
		var m ResponseMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		m.Approved = head.Type == KindImpersonationApproved
		return m, nil
	case KindSessionEnd:
		var m SessionEndMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return m, nil
	case KindPing, KindSubscribe:
		var m StatusMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
		}
		return m, nil
	case KindImpersonationRevoked, KindSessionExpired, KindConnected,
		KindDisconnected, KindError, KindPong, KindSubscribed:
		return nil, fmt.Errorf("server-only message kind %q", head.Type)
	default:
		return nil, fmt.Errorf("unknown message kind %q", head.Type)
	}
}

// ConnectionRole tags what a principal's connection may send and receive.
type ConnectionRole string

const (
	ConnectionRoleOwner   ConnectionRole = "owner"
	ConnectionRoleSupport ConnectionRole = "support"
)

// ParseConnectionRole validates the role query parameter of a connect URL.
func ParseConnectionRole(s string) (ConnectionRole, error) {
	switch ConnectionRole(s) {
	case ConnectionRoleOwner, ConnectionRoleSupport:
		return ConnectionRole(s), nil
	default:
		return "", fmt.Errorf("invalid connection role %q", s)
	}
}
