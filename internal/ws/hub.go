// Package ws streams detection overlays to viewfinder clients and
// accepts their control commands over WebSocket.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spotter/internal/pipeline"
)

const writeTimeout = 10 * time.Second

// Hub fans completed detection batches out to every connected client.
// All clients watch the same session, so there is one connection set.
type Hub struct {
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{clients: make(map[*websocket.Conn]bool), logger: logger}
}

// Register adds a connection to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("[WS] Client registered (total: %d)", total)
}

// Unregister removes a connection from the broadcast set.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.logger.Printf("[WS] Client unregistered (total: %d)", len(h.clients))
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a raw message to every client, evicting clients whose
// writes fail.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}

// BroadcastOverlay sends a batch to all clients. A nil batch or an empty
// hub is a no-op.
func (h *Hub) BroadcastOverlay(batch *pipeline.DetectionBatch) {
	if batch == nil || h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewOverlayMessage(batch))
	if err != nil {
		h.logger.Printf("[WS] Error marshaling overlay message: %v", err)
		return
	}
	h.Broadcast(data)
}

// BroadcastFound announces a find-mode hit to all clients.
func (h *Hub) BroadcastFound(label string) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewFoundMessage(label))
	if err != nil {
		h.logger.Printf("[WS] Error marshaling found message: %v", err)
		return
	}
	h.Broadcast(data)
}

// BatchHandler adapts the hub to the event bus so published batches
// stream straight to clients.
func (h *Hub) BatchHandler() pipeline.BatchHandlerFunc {
	return func(batch *pipeline.DetectionBatch) {
		h.BroadcastOverlay(batch)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}
