// Package websocket provides WebSocket connection management and message broadcasting.
package websocket

import (
	"context"
	"sync"

	"github.com/lock-code-manager/backend/internal/logging"
)

type outbound struct {
	lockID string
	data   []byte
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *logging.Logger
	mu     sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket"),
	}
}

// Run starts the hub's main event loop. It returns when ctx is cancelled,
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "clients", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.Wants(msg.lockID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow client.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every client subscribed to lockID. An
// empty lockID reaches every client.
func (h *Hub) Broadcast(lockID string, message []byte) {
	select {
	case h.broadcast <- outbound{lockID: lockID, data: message}:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "lock_id", lockID)
	}
}

// Register adds a client to the hub. A client registered after the hub
// stopped is closed at once.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	send chan []byte

	mu    sync.RWMutex
	locks map[string]bool
}

// NewClient creates a new WebSocket client subscribed to every lock.
func NewClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, 256),
	}
}

// Send returns the send channel for the client.
func (c *Client) Send() chan []byte {
	return c.send
}

// Subscribe restricts the client to the given locks. No locks means all.
func (c *Client) Subscribe(lockIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(lockIDs) == 0 {
		c.locks = nil
		return
	}
	if c.locks == nil {
		c.locks = make(map[string]bool, len(lockIDs))
	}
	for _, id := range lockIDs {
		c.locks[id] = true
	}
}

// Unsubscribe drops locks from the client's filter. No locks resets the
// filter to all locks.
func (c *Client) Unsubscribe(lockIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(lockIDs) == 0 {
		c.locks = nil
		return
	}
	for _, id := range lockIDs {
		delete(c.locks, id)
	}
}

// Wants reports whether a message about lockID should reach the client.
func (c *Client) Wants(lockID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lockID == "" || c.locks == nil || c.locks[lockID]
}

// Subscriptions lists the locks the client filters on; nil means all.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.locks == nil {
		return nil
	}
	out := make([]string, 0, len(c.locks))
	for id := range c.locks {
		out = append(out, id)
	}
	return out
}

// Reply queues a message for this client only. It reports false when the
// client is gone or its buffer is full.
func (c *Client) Reply(message []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}
