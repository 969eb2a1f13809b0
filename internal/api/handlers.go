// Package api exposes the broker over HTTP: the impersonation endpoints,
// the WebSocket upgrade, and the operational surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/auth"
	"github.com/brickworks/sitegate/internal/broker"
	"github.com/brickworks/sitegate/internal/database"
	"github.com/brickworks/sitegate/internal/directory"
	"github.com/brickworks/sitegate/internal/types"
)

// Handlers provides the HTTP handlers for the impersonation API.
type Handlers struct {
	requests *broker.Requests
	sessions *broker.Sessions
	audits   *database.AuditStore
	checks   *directory.Checks
}

// NewHandlers creates the API handlers.
func NewHandlers(requests *broker.Requests, sessions *broker.Sessions, audits *database.AuditStore, checks *directory.Checks) *Handlers {
	return &Handlers{
		requests: requests,
		sessions: sessions,
		audits:   audits,
		checks:   checks,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func actorFrom(r *http.Request) broker.Actor {
	return broker.Actor{
		IPAddress: auth.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// CreateRequestHandler handles POST /api/impersonation/request. The
// authenticated caller is the requesting support agent.
func (h *Handlers) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	var input types.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	input.SupportUserID = auth.UserIDFromContext(r.Context())

	req, err := h.requests.Create(r.Context(), input, actorFrom(r))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, types.CreateRequestResponse{
		RequestID: req.ID,
		ExpiresAt: req.ExpiresAt,
	})
}

// RespondHandler handles POST /api/impersonation/respond. The caller must
// be an owner of the request's target site.
func (h *Handlers) RespondHandler(w http.ResponseWriter, r *http.Request) {
	var input types.RespondInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	input.OwnerID = auth.UserIDFromContext(r.Context())

	resp, err := h.requests.Respond(r.Context(), input, actorFrom(r))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// CancelRequestHandler handles DELETE /api/impersonation/request/{id}.
// Only the requesting agent may cancel, while the request is pending.
func (h *Handlers) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request id", err))
		return
	}

	err = h.requests.Cancel(r.Context(), requestID, auth.UserIDFromContext(r.Context()), actorFrom(r))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EndSessionHandler handles POST /api/impersonation/session/end. The end
// reason is derived from who the caller is, never taken from the payload.
func (h *Handlers) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	var input types.EndSessionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	input.UserID = auth.UserIDFromContext(r.Context())

	if err := h.sessions.End(r.Context(), input, actorFrom(r)); err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PendingRequestsHandler handles GET /api/impersonation/pending, the
// reconciliation pull for owners. An optional site_id narrows the answer.
func (h *Handlers) PendingRequestsHandler(w http.ResponseWriter, r *http.Request) {
	var siteID *uuid.UUID
	if raw := r.URL.Query().Get("site_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid site_id", err))
			return
		}
		siteID = &id
	}

	pending, err := h.requests.ListPending(r.Context(), auth.UserIDFromContext(r.Context()), siteID)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.PendingRequestsResponse{Requests: pending})
}

// SessionsHandler handles GET /api/impersonation/sessions. By default it
// lists the caller's own active sessions; type=owner lists active sessions
// on sites the caller owns.
func (h *Handlers) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var (
		sessions []types.ImpersonationSession
		err      error
	)
	if r.URL.Query().Get("type") == "owner" {
		sessions, err = h.sessions.ActiveOnOwnedSites(r.Context(), userID)
	} else {
		sessions, err = h.sessions.ActiveForSupport(r.Context(), userID)
	}
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.SessionsResponse{Sessions: sessions})
}

// VerifySessionHandler handles GET /api/impersonation/verify. This is the
// per-use check the application shell makes before every privileged action.
func (h *Handlers) VerifySessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid session_id", err))
		return
	}

	resp, err := h.sessions.Verify(r.Context(), sessionID, auth.UserIDFromContext(r.Context()))
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// AuditTrailHandler handles GET /api/impersonation/audit?site_id=. Owners
// review the impersonation history of their own sites with it.
func (h *Handlers) AuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	siteID, err := uuid.Parse(r.URL.Query().Get("site_id"))
	if err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid site_id", err))
		return
	}

	isOwner, err := h.checks.IsSiteOwner(r.Context(), auth.UserIDFromContext(r.Context()), siteID)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}
	if !isOwner {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden, "Not an owner of this site", types.ErrForbidden))
		return
	}

	entries, err := h.audits.ListBySite(r.Context(), siteID, 200)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HealthHandler handles GET /health.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
