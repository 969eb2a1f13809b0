package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/auth"
	"github.com/brickworks/sitegate/internal/broker"
	"github.com/brickworks/sitegate/internal/types"
)

// Handler upgrades HTTP requests to broker connections and dispatches
// inbound frames onto the request and session services.
type Handler struct {
	hub      *Hub
	verifier auth.TokenVerifier
	requests *broker.Requests
	sessions *broker.Sessions
}

// NewHandler creates the connection handler.
func NewHandler(hub *Hub, verifier auth.TokenVerifier, requests *broker.Requests, sessions *broker.Sessions) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		requests: requests,
		sessions: sessions,
	}
}

// ServeHTTP handles GET /ws?userId=&token=&role=. The token must belong to
// the claimed user id; a mismatch is rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := uuid.Parse(q.Get("userId"))
	if err != nil {
		http.Error(w, "invalid userId", http.StatusBadRequest)
		return
	}
	role, err := types.ParseConnectionRole(q.Get("role"))
	if err != nil {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	tokenUser, err := h.verifier.UserForToken(r.Context(), q.Get("token"))
	if err != nil || tokenUser != userID {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket accept failed")
		return
	}

	actor := broker.Actor{
		IPAddress: auth.ClientIP(r),
		UserAgent: r.UserAgent(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.hub.register(ctx, userID, role, conn)
	defer h.hub.unregister(c)
	defer conn.Close(websocket.StatusNormalClosure, "closed")

	h.hub.Notify(userID, types.StatusMessage{Type: types.KindConnected, UserID: userID})

	log.Info().
		Str("user_id", userID.String()).
		Str("role", string(role)).
		Msg("Client connected")

	h.readLoop(ctx, c, actor)

	log.Info().Str("user_id", userID.String()).Msg("Client disconnected")
}

// readLoop reads frames until the connection dies. A malformed or
// disallowed frame earns the sender an error message and the loop
// continues; protocol errors never fan out.
func (h *Handler) readLoop(ctx context.Context, c *conn, actor broker.Actor) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		msg, err := types.DecodeInbound(raw)
		if err != nil {
			h.hub.Notify(c.userID, types.NewErrorMessage(err.Error()))
			continue
		}

		if err := h.dispatch(ctx, c, msg, actor); err != nil {
			h.hub.Notify(c.userID, types.NewErrorMessage(err.Error()))
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, msg types.InboundMessage, actor broker.Actor) error {
	switch m := msg.(type) {
	case types.RequestMessage:
		if c.role != types.ConnectionRoleSupport {
			return errors.New("only support connections may create requests")
		}
		req, err := h.requests.Create(ctx, types.CreateRequestInput{
			SupportUserID:          c.userID,
			TargetUserID:           m.TargetUserID,
			TargetSiteID:           m.TargetSiteID,
			Reason:                 m.Reason,
			SessionDurationMinutes: m.SessionDurationMinutes,
		}, actor)
		if err != nil {
			return err
		}
		h.hub.Notify(c.userID, types.RequestMessage{
			Type:                   types.KindImpersonationRequest,
			RequestID:              req.ID,
			SupportUserID:          req.SupportUserID,
			TargetUserID:           req.TargetUserID,
			TargetSiteID:           req.TargetSiteID,
			Reason:                 req.Reason,
			SessionDurationMinutes: req.SessionDurationMinutes,
			ExpiresAt:              req.ExpiresAt,
		})
		return nil

	case types.ResponseMessage:
		if c.role != types.ConnectionRoleOwner {
			return errors.New("only owner connections may answer requests")
		}
		_, err := h.requests.Respond(ctx, types.RespondInput{
			RequestID:    m.RequestID,
			OwnerID:      c.userID,
			Approved:     m.Approved,
			DeniedReason: m.DeniedReason,
		}, actor)
		return err

	case types.SessionEndMessage:
		return h.sessions.End(ctx, types.EndSessionInput{
			SessionID: m.SessionID,
			UserID:    c.userID,
			Reason:    m.Reason,
		}, actor)

	case types.StatusMessage:
		switch m.Type {
		case types.KindPing:
			h.hub.Notify(c.userID, types.StatusMessage{Type: types.KindPong})
			return nil
		case types.KindSubscribe:
			return h.subscribe(ctx, c)
		}
		return nil

	default:
		return errors.New("unhandled message")
	}
}

// subscribe acknowledges the subscription and, for owners, replays the
// pending requests on their sites. This is the reconciliation pull a
// reconnecting owner relies on for anything pushed while offline.
func (h *Handler) subscribe(ctx context.Context, c *conn) error {
	h.hub.Notify(c.userID, types.StatusMessage{Type: types.KindSubscribed, UserID: c.userID})

	if c.role != types.ConnectionRoleOwner {
		return nil
	}

	pending, err := h.requests.ListPending(ctx, c.userID, nil)
	if err != nil {
		return err
	}
	for i := range pending {
		req := &pending[i]
		h.hub.Notify(c.userID, types.RequestMessage{
			Type:                   types.KindImpersonationRequest,
			RequestID:              req.ID,
			SupportUserID:          req.SupportUserID,
			TargetUserID:           req.TargetUserID,
			TargetSiteID:           req.TargetSiteID,
			Reason:                 req.Reason,
			SessionDurationMinutes: req.SessionDurationMinutes,
			ExpiresAt:              req.ExpiresAt,
		})
	}
	return nil
}
