package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotFunc returns the current state of a run, or false when the run is
// unknown
type SnapshotFunc func(runID string) (*RunMessage, bool)

// Handler handles WebSocket connections for run lifecycle events
type Handler struct {
	hub      *RunHub
	snapshot SnapshotFunc
	prefix   string
}

// NewHandler creates a new WebSocket handler serving paths under prefix
// (e.g. "/ws/runs/")
func NewHandler(hub *RunHub, prefix string, snapshot SnapshotFunc) *Handler {
	return &Handler{hub: hub, snapshot: snapshot, prefix: prefix}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: {prefix}{run_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}

	var initial *RunMessage
	if h.snapshot != nil {
		msg, ok := h.snapshot(runID)
		if !ok {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		initial = msg
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	log.Printf("[WS] New connection for run %s from %s", runID, r.RemoteAddr)

	c := &client{conn: conn}
	h.hub.Register(runID, c)

	if initial != nil {
		data, err := json.Marshal(initial)
		if err == nil {
			err = c.write(websocket.TextMessage, data)
		}
		if err != nil {
			log.Printf("[WS] Failed to send snapshot for run %s: %v", runID, err)
		}
	}

	go h.readPump(runID, c)
}

// readPump keeps the connection alive and detects client disconnection
func (h *Handler) readPump(runID string, c *client) {
	defer func() {
		h.hub.Unregister(runID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error for run %s: %v", runID, err)
			}
			return
		}
	}
}
