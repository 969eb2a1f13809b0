// Package ws carries the persistent connections between the broker and its
// principals. The hub keys connections by user id; messages address a
// principal, never a socket, so a reconnect transparently takes over
// delivery.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/types"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitegate_ws_connected_clients",
		Help: "Currently connected WebSocket clients",
	})

	droppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitegate_ws_dropped_messages_total",
		Help: "Outbound messages dropped because a client's send queue was full",
	})
)

// conn is one live connection with its write pump.
type conn struct {
	userID uuid.UUID
	role   types.ConnectionRole
	ws     *websocket.Conn
	send   chan any
	done   chan struct{}
	once   sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the connection registry. At most one connection per user id; a new
// connection for the same principal supersedes the old one.
type Hub struct {
	mu        sync.RWMutex
	conns     map[uuid.UUID]*conn
	queueSize int
}

// NewHub creates a hub whose per-client send queues hold queueSize messages.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Hub{
		conns:     make(map[uuid.UUID]*conn),
		queueSize: queueSize,
	}
}

// register installs a connection for userID, superseding any previous one,
// and starts its write pump. A superseded connection gets a disconnected
// frame before its socket closes. Returns the installed conn.
func (h *Hub) register(ctx context.Context, userID uuid.UUID, role types.ConnectionRole, ws *websocket.Conn) *conn {
	c := &conn{
		userID: userID,
		role:   role,
		ws:     ws,
		send:   make(chan any, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
		noticeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = wsjson.Write(noticeCtx, old.ws, types.StatusMessage{Type: types.KindDisconnected, UserID: userID})
		cancel()
		_ = old.ws.Close(websocket.StatusNormalClosure, "superseded by new connection")
	}

	connectedClients.Inc()
	go h.writePump(ctx, c)
	return c
}

// unregister removes the connection if it is still the current one for its
// principal. A superseded connection must not evict its replacement.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.userID]; ok && cur == c {
		delete(h.conns, c.userID)
	}
	h.mu.Unlock()

	c.close()
	connectedClients.Dec()
}

// Notify queues msg for userID's live connection. Returns false when the
// principal is not connected or the queue is full; delivery is best effort
// and state reconciliation happens over the pull endpoints.
func (h *Hub) Notify(userID uuid.UUID, msg any) bool {
	h.mu.RLock()
	c, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		droppedMessages.Inc()
		log.Warn().Str("user_id", userID.String()).Msg("Send queue full, dropping message")
		return false
	}
}

// Connected reports whether userID currently holds a live connection.
func (h *Hub) Connected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// writePump drains the send queue onto the socket. One writer per
// connection keeps wsjson writes unserialized by callers.
func (h *Hub) writePump(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := wsjson.Write(ctx, c.ws, msg); err != nil {
				log.Debug().Err(err).Str("user_id", c.userID.String()).Msg("Write failed, closing connection")
				c.close()
				return
			}
		}
	}
}
