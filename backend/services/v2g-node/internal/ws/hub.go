package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"v2gcharge/backend/services/v2g-node/internal/events"
)

// Hub tracks monitoring clients and broadcasts session events to them.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	pingInterval time.Duration
}

// NewHub builds hub.
func NewHub(pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		clients:      make(map[string]*Client),
		pingInterval: pingInterval,
	}
}

// Add registers client.
func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

// Remove removes client.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Start pings clients until ctx ends.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			for _, client := range h.clients {
				_ = client.Ping()
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends payload to every client.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.Send(payload)
	}
}

// Name implements events.Sink.
func (h *Hub) Name() string {
	return "websocket"
}

// Handle implements events.Sink.
func (h *Hub) Handle(_ context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Broadcast(payload)
	return nil
}
