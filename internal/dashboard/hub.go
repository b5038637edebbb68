// Package dashboard adapts the teacher's internal/api Hub/Client/Server
// shape into the read-only operator dashboard spec.md scopes out as an
// "external collaborator": the core publishes Events into Hub.BroadcastEvent,
// it never reads back. Re-shaped around MarketSnapshot/Position/Signal
// and hard-stop state instead of the teacher's maker-quote/scanner
// fields, per SPEC_FULL §12.
package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub manages connected dashboard clients and fans broadcast events out
// to each of them, dropping a client that falls behind rather than
// blocking the broadcaster.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub builds a Hub. Call Run in its own goroutine before serving.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
	}
}

// Run is the hub's single-goroutine event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("dashboard client connected", zap.Int("count", len(h.clients)))
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("dashboard client disconnected", zap.Int("count", len(h.clients)))
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastEvent marshals and fans out one Event to all connected clients.
func (h *Hub) BroadcastEvent(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("marshal dashboard event failed", zap.Error(err))
		}
		return
	}
	select {
	case h.broadcast <- data:
	default:
		if h.logger != nil {
			h.logger.Warn("dashboard broadcast channel full, dropping event")
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSnapshot wraps and broadcasts a full snapshot.
func (h *Hub) BroadcastSnapshot(snap Snapshot) {
	h.BroadcastEvent(Event{Type: EventSnapshot, Timestamp: time.Now(), Data: snap})
}
