package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"spotter/internal/detector"
	"spotter/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The socket serves the local viewfinder only.
		return true
	},
}

// SessionControl is what a client command can drive on the detection
// session.
type SessionControl interface {
	StartFindMode(label string)
	StopFindMode()
	AcknowledgeFound()
	SetAutoSave(enabled bool)
	RequestManualCapture(det detector.Detection)
	Latest() *pipeline.DetectionBatch
}

// Handler upgrades viewfinder connections and feeds their commands to
// the session.
type Handler struct {
	hub     *Hub
	session SessionControl
	logger  *log.Logger
}

// NewHandler creates a WebSocket handler. session may be nil, in which
// case client commands are ignored.
func NewHandler(hub *Hub, session SessionControl, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{hub: hub, session: session, logger: logger}
}

// ServeHTTP handles WebSocket upgrade requests on /ws/overlay.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[WS] Upgrade error: %v", err)
		return
	}

	h.logger.Printf("[WS] New connection from %s", r.RemoteAddr)
	h.hub.Register(conn)
	go h.readPump(conn)
}

const pingPeriod = 30 * time.Second

// readPump reads client commands and keeps the connection alive.
func (h *Handler) readPump(conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go h.pingLoop(conn, pingPeriod, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("[WS] Read error: %v", err)
			}
			return
		}
		h.handleCommand(data)
	}
}

// pingLoop sends keepalive pings until the connection's reader is done.
func (h *Handler) pingLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleCommand(data []byte) {
	if h.session == nil {
		return
	}

	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Printf("[WS] Bad client command: %v", err)
		return
	}

	switch cmd.Action {
	case "watch":
		if cmd.Label != "" {
			h.session.StartFindMode(cmd.Label)
		}
	case "unwatch":
		h.session.StopFindMode()
	case "ack_found":
		h.session.AcknowledgeFound()
	case "auto_save":
		h.session.SetAutoSave(cmd.Enable)
	case "capture":
		// Capture the strongest detection from the latest batch.
		if batch := h.session.Latest(); batch != nil && len(batch.Detections) > 0 {
			h.session.RequestManualCapture(batch.Detections[0])
		}
	default:
		h.logger.Printf("[WS] Unknown client command: %q", cmd.Action)
	}
}
