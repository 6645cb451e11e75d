// Package websocket streams sync activity to connected browsers.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is one activity notification.
type Message struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Data         any    `json:"data,omitempty"`
}

// NewMessage creates a Message whose type is prefixed with "sync_".
func NewMessage(event, connectionID string, data any) Message {
	return Message{
		Type:         "sync_" + event,
		ConnectionID: connectionID,
		Data:         data,
	}
}

// Hub maintains the set of active clients and fans messages out to the
// clients of the owning user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends msg to every client of ownerID.
func (h *Hub) Broadcast(ownerID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.owner != ownerID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// slow client, drop
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
