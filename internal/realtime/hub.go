package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/model"
)

const (
	// sendBufferSize bounds the per-connection write queue. A client that
	// cannot drain it in time is disconnected rather than blocking fan-out.
	sendBufferSize = 64

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	UserID uuid.UUID
	Role   model.Role
}

// SubscribeAuthorizer decides per-destination subscription access.
type SubscribeAuthorizer interface {
	CanSubscribe(ctx context.Context, p Principal, dest Destination) bool
}

// ServerMessage is the frame pushed to clients.
type ServerMessage struct {
	Destination string `json:"destination"`
	Event       string `json:"event"`
	Data        any    `json:"data,omitempty"`
}

// Client is one WebSocket connection registered on the hub.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal Principal

	mu     sync.Mutex
	subs   map[string]struct{}
	send   chan []byte
	closed bool
}

// Hub is the in-process pub/sub fan-out. When horizontally scaled the hub must
// relay through the message bus instead; a single process fans out locally.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log.With().Str("component", "realtime_hub").Logger(),
	}
}

// Register attaches an authenticated connection and starts its write pump.
func (h *Hub) Register(conn *websocket.Conn, p Principal) *Client {
	c := &Client{
		hub:       h,
		conn:      conn,
		principal: p,
		subs:      make(map[string]struct{}),
		send:      make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	return c
}

// Unregister detaches a connection and closes its write pump.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

// Publish fans a message out to every subscriber of the destination. Sends are
// fire-and-forget: a full buffer disconnects the slow client.
func (h *Hub) Publish(destination, event string, data any) {
	payload, err := json.Marshal(ServerMessage{Destination: destination, Event: event, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("destination", destination).Msg("Encode publish failed")
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.subscribed(destination) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().
			Str("user_id", c.principal.UserID.String()).
			Str("destination", destination).
			Msg("Slow realtime client disconnected")
		h.Unregister(c)
	}
}

// PublishToUser delivers to every connection of one principal regardless of
// subscriptions. Used for targeted notices like forced disconnects.
func (h *Hub) PublishToUser(userID uuid.UUID, event string, data any) {
	payload, err := json.Marshal(ServerMessage{Event: event, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.principal.UserID != userID {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

// Subscribe authorises and records a subscription.
func (c *Client) Subscribe(ctx context.Context, auth SubscribeAuthorizer, raw string) error {
	dest, err := ParseDestination(raw)
	if err != nil {
		return err
	}
	if dest.Kind == KindAppInbound {
		return errNotSubscribable
	}
	if !auth.CanSubscribe(ctx, c.principal, dest) {
		return errSubscribeDenied
	}

	c.mu.Lock()
	c.subs[raw] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops a subscription; unknown destinations are a no-op.
func (c *Client) Unsubscribe(raw string) {
	c.mu.Lock()
	delete(c.subs, raw)
	c.mu.Unlock()
}

// Principal returns the connection's authenticated identity.
func (c *Client) Principal() Principal { return c.principal }

func (c *Client) subscribed(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[destination]
	return ok
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with pings. It owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
