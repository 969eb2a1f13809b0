package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/brickworks/sitegate/internal/types"
)

// hubServer accepts every upgrade and registers the connection for userID.
// Callers close the returned server before any leak check runs.
func hubServer(t *testing.T, hub *Hub, userID uuid.UUID) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := hub.register(r.Context(), userID, types.ConnectionRoleOwner, conn)
		defer hub.unregister(c)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	return conn
}

func TestHubNotifyDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(4)
	userID := uuid.New()
	srv := hubServer(t, hub, userID)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitConnected(t, hub, userID)

	if !hub.Notify(userID, types.StatusMessage{Type: types.KindPong}) {
		t.Fatal("Notify returned false for a connected principal")
	}

	var msg types.StatusMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if msg.Type != types.KindPong {
		t.Errorf("frame type = %s, want pong", msg.Type)
	}
}

func TestHubNotifyDisconnected(t *testing.T) {
	hub := NewHub(4)
	if hub.Notify(uuid.New(), types.StatusMessage{Type: types.KindPing}) {
		t.Error("Notify returned true for a never-connected principal")
	}
}

func TestHubReconnectSupersedes(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(4)
	userID := uuid.New()
	srv := hubServer(t, hub, userID)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dial(t, ctx, srv.URL)
	defer first.CloseNow()
	waitConnected(t, hub, userID)

	// The second connection for the same principal takes over; the first
	// is told it was disconnected and then closed by the hub.
	second := dial(t, ctx, srv.URL)
	defer second.Close(websocket.StatusNormalClosure, "done")

	var notice types.StatusMessage
	if err := wsjson.Read(ctx, first, &notice); err != nil {
		t.Fatalf("reading disconnect notice: %v", err)
	}
	if notice.Type != types.KindDisconnected {
		t.Errorf("notice type = %s, want disconnected", notice.Type)
	}

	readCtx, cancelRead := context.WithTimeout(ctx, 3*time.Second)
	defer cancelRead()
	if _, _, err := first.Read(readCtx); err == nil {
		t.Error("superseded connection still readable")
	}

	if !hub.Connected(userID) {
		t.Error("principal not connected after reconnect")
	}

	if !hub.Notify(userID, types.StatusMessage{Type: types.KindPong}) {
		t.Fatal("Notify failed after reconnect")
	}
	var msg types.StatusMessage
	if err := wsjson.Read(ctx, second, &msg); err != nil {
		t.Fatalf("reading on new connection: %v", err)
	}
}

func waitConnected(t *testing.T, hub *Hub, userID uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Connected(userID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection never registered")
}
