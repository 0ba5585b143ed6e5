package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vidanon/internal/pipeline"
)

const (
	writeWait = 10 * time.Second
	// Events queued per run while its sender is busy writing to sockets
	queueSize = 64
)

// client serializes writes to one connection
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// RunHub manages WebSocket connections streaming run lifecycle events.
// Events are queued per run and written by one sender goroutine per run, so
// a slow client never holds up the publisher.
type RunHub struct {
	// clients maps run_id -> set of connections
	clients map[string]map[*client]bool
	mu      sync.RWMutex

	queues  map[string]chan *pipeline.RunEvent
	queueMu sync.Mutex
	senders sync.WaitGroup
	deliver func(event *pipeline.RunEvent)
}

// NewRunHub creates a new run hub
func NewRunHub() *RunHub {
	h := &RunHub{
		clients: make(map[string]map[*client]bool),
		queues:  make(map[string]chan *pipeline.RunEvent),
	}
	h.deliver = h.deliverEvent
	return h
}

// Register adds a connection for a specific run
func (h *RunHub) Register(runID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[runID] == nil {
		h.clients[runID] = make(map[*client]bool)
	}
	h.clients[runID][c] = true
	log.Printf("[WS] Client registered for run %s (total: %d)", runID, len(h.clients[runID]))
}

// Unregister removes a connection for a specific run
func (h *RunHub) Unregister(runID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[runID]; ok {
		if !conns[c] {
			return
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, runID)
		}
		log.Printf("[WS] Client unregistered for run %s", runID)
	}
}

// HasClients returns true if there are any clients connected for a run
func (h *RunHub) HasClients(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[runID]
	return ok && len(conns) > 0
}

// BroadcastToRun sends a message to all clients subscribed to a run
func (h *RunHub) BroadcastToRun(runID string, message []byte) {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[runID]))
	for c := range h.clients[runID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, message); err != nil {
			log.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(runID, c)
			c.conn.Close()
		}
	}
}

// Broadcast marshals msg and sends it to the run's subscribers
func (h *RunHub) Broadcast(msg *RunMessage) {
	if !h.HasClients(msg.RunID) {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Error marshaling run message: %v", err)
		return
	}
	h.BroadcastToRun(msg.RunID, data)
}

// OnRunEvent implements pipeline.RunEventHandler. It only queues the event;
// progress events are dropped when the run's queue is full.
func (h *RunHub) OnRunEvent(event *pipeline.RunEvent) {
	if event == nil {
		return
	}

	h.queueMu.Lock()
	defer h.queueMu.Unlock()

	queue, ok := h.queues[event.RunID]
	if !ok {
		queue = make(chan *pipeline.RunEvent, queueSize)
		h.queues[event.RunID] = queue
		h.senders.Add(1)
		go h.send(queue)
	}

	if terminal(event) {
		// Last event of the run: no sender can reach the queue after this
		delete(h.queues, event.RunID)
		go func() {
			queue <- event
			close(queue)
		}()
		return
	}

	select {
	case queue <- event:
	default:
		log.Printf("[WS] Queue full for run %s, dropping %s event", event.RunID, event.Type)
	}
}

func (h *RunHub) send(queue <-chan *pipeline.RunEvent) {
	defer h.senders.Done()
	for event := range queue {
		h.deliver(event)
	}
}

// deliverEvent broadcasts an event and closes the run's sockets after its
// terminal event
func (h *RunHub) deliverEvent(event *pipeline.RunEvent) {
	h.Broadcast(NewRunMessage(event))
	if terminal(event) {
		h.CloseRun(event.RunID)
	}
}

// Wait blocks until every queued event of finished runs has been delivered
func (h *RunHub) Wait() {
	h.senders.Wait()
}

func terminal(event *pipeline.RunEvent) bool {
	return event.Type == pipeline.EventComplete || event.Type == pipeline.EventFailed
}

// CloseRun closes every connection of a run with a normal closure
func (h *RunHub) CloseRun(runID string) {
	h.mu.Lock()
	conns := h.clients[runID]
	delete(h.clients, runID)
	h.mu.Unlock()

	for c := range conns {
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
		c.conn.Close()
	}
}

// Ensure RunHub implements pipeline.RunEventHandler
var _ pipeline.RunEventHandler = (*RunHub)(nil)
