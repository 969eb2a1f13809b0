package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brickworks/sitegate/internal/types"
)

const (
	reconnectBase = time.Second
	maxReconnects = 5
)

// ErrReconnectExhausted is the persistent error state after the reconnect
// budget is spent. The caller must surface it; the client will not dial
// again until Run is restarted.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Client maintains a broker connection from the agent or owner side,
// redialing with exponential backoff when it drops. Each successful connect
// sends a subscribe so the server replays state missed while offline.
type Client struct {
	baseURL string
	userID  uuid.UUID
	token   string
	role    types.ConnectionRole

	// OnMessage receives every inbound frame. Nil frames are never
	// delivered.
	OnMessage func(raw []byte)

	// backoff is the base reconnect delay, shortened by tests.
	backoff time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the broker at baseURL (http or https
// scheme; the /ws path and query are appended).
func NewClient(baseURL string, userID uuid.UUID, token string, role types.ConnectionRole) *Client {
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		token:   token,
		role:    role,
		backoff: reconnectBase,
	}
}

// reconnectDelay is the wait before reconnect attempt n (1-based): the base
// delay doubled for each prior failure.
func (c *Client) reconnectDelay(attempt int) time.Duration {
	return c.backoff << (attempt - 1)
}

// Run connects and keeps the connection alive until ctx is cancelled.
// Returns ErrReconnectExhausted after five straight failed dials; the delay
// before attempt n is one second doubled each time.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 0 {
			if attempt > maxReconnects {
				log.Error().Int("attempts", maxReconnects).Msg("Giving up on reconnecting")
				return ErrReconnectExhausted
			}
			delay := c.reconnectDelay(attempt)
			log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("Reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.runOnce(ctx)
		if err == nil {
			// Clean server close; connection held long enough to count
			// as a successful session, so the budget resets.
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("Connection lost")
		attempt++
	}
}

// Send writes a frame on the current connection.
func (c *Client) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return wsjson.Write(ctx, conn, msg)
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "closed")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, types.StatusMessage{
		Type:   types.KindSubscribe,
		UserID: c.userID,
	}); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if c.OnMessage != nil {
			c.OnMessage(raw)
		}
	}
}

func (c *Client) dialURL() string {
	q := url.Values{}
	q.Set("userId", c.userID.String())
	q.Set("token", c.token)
	q.Set("role", string(c.role))
	return c.baseURL + "/ws?" + q.Encode()
}
