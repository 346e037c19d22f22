package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultMaxPerOrg caps concurrent connections for one organization.
	DefaultMaxPerOrg = 50

	writeWait = 10 * time.Second

	// sendBuffer is how many events may queue for one client before it is
	// dropped as too slow.
	sendBuffer = 16
)

// EventInboxUpdated is the event type sent after sync or send changed threads.
const EventInboxUpdated = "inbox.updated"

// Event is the JSON payload pushed to subscribers.
type Event struct {
	Type      string   `json:"type"`
	OrgID     string   `json:"orgId"`
	ThreadIDs []string `json:"threadIds"`
}

// Client wraps a WebSocket connection. Events are queued on send and written
// by the client's own goroutine, so a slow peer never blocks the hub.
type Client struct {
	conn   *websocket.Conn
	userID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// writePump drains send until the client is closed. onError runs once when
// a write fails.
func (c *Client) writePump(onError func(error)) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				onError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans inbox events out to every connection subscribed to an organization.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // orgID -> set of clients
	maxPerOrg int
	logger    *zap.Logger
}

// NewHub creates a Hub with a per-organization connection limit.
func NewHub(maxPerOrg int, logger *zap.Logger) *Hub {
	if maxPerOrg <= 0 {
		maxPerOrg = DefaultMaxPerOrg
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		maxPerOrg: maxPerOrg,
		logger:    logger.Named("websocket"),
	}
}

// Register subscribes conn to orgID's events. If the organization is at its
// limit, the new connection is closed and nil is returned.
func (h *Hub) Register(orgID, userID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	orgClients, ok := h.clients[orgID]
	if !ok {
		orgClients = make(map[*Client]struct{})
		h.clients[orgID] = orgClients
	}

	if len(orgClients) >= h.maxPerOrg {
		h.logger.Warn("organization exceeded max connections, closing new connection",
			zap.String("org_id", orgID),
			zap.Int("max", h.maxPerOrg),
		)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this organization"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		return nil
	}

	client := newClient(conn, userID)
	orgClients[client] = struct{}{}
	go client.writePump(func(err error) {
		h.logger.Debug("failed to write message, dropping client",
			zap.String("org_id", orgID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		h.Unregister(orgID, client)
	})
	return client
}

// Unregister removes a client from orgID and closes the connection.
func (h *Hub) Unregister(orgID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if orgClients, ok := h.clients[orgID]; ok {
		delete(orgClients, client)
		if len(orgClients) == 0 {
			delete(h.clients, orgID)
		}
	}
	h.mu.Unlock()

	client.close()
}

// Send queues msg for all active clients of orgID without waiting for the
// writes. A client whose queue is full is dropped.
func (h *Hub) Send(orgID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[orgID]))
	for client := range h.clients[orgID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- msg:
		default:
			h.logger.Debug("send queue full, dropping client",
				zap.String("org_id", orgID),
				zap.String("user_id", client.userID),
			)
			go h.Unregister(orgID, client)
		}
	}
}

// InboxUpdated pushes an inbox.updated event for threadIDs to orgID.
func (h *Hub) InboxUpdated(orgID string, threadIDs []string) {
	if orgID == "" || len(threadIDs) == 0 {
		return
	}
	msg, err := json.Marshal(Event{Type: EventInboxUpdated, OrgID: orgID, ThreadIDs: threadIDs})
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	h.Send(orgID, msg)
}

// ActiveConnections returns the number of active connections for orgID.
func (h *Hub) ActiveConnections(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[orgID])
}
