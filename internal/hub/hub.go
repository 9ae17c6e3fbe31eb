package hub

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ReceiveMessageEvent is the event name the browser listens on for streamed
// chunks and error notices.
const ReceiveMessageEvent = "ReceiveMessage"

// ErrUnreachable reports that the target connection is not registered or its
// transport write failed. The hub never retries; the caller decides the
// fallback.
var ErrUnreachable = errors.New("connection unreachable")

// Envelope is the wire format for every message pushed to a client.
type Envelope struct {
	Event     string `json:"event"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// connection wraps one websocket with a write lock; gorilla connections
// allow at most one concurrent writer.
type connection struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) write(event, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(Envelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Hub tracks live client connections and delivers payloads to them. It is
// the registry of record for connection liveness: handlers register on
// upgrade and unregister when the read loop ends. Disconnecting never
// cancels an in-flight stream; delivery simply starts failing over to
// broadcast.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{conns: make(map[string]*connection)}
}

// Register assigns the websocket a connection id and tracks it as live.
func (h *Hub) Register(ws *websocket.Conn) string {
	id := uuid.NewString()

	h.mu.Lock()
	h.conns[id] = &connection{id: id, ws: ws}
	total := len(h.conns)
	h.mu.Unlock()

	log.Printf("[hub] client connected: %s (live=%d)", id, total)
	return id
}

// Unregister marks the connection as gone. A nil reason is a clean close.
func (h *Hub) Unregister(id string, reason error) {
	h.mu.Lock()
	_, known := h.conns[id]
	delete(h.conns, id)
	total := len(h.conns)
	h.mu.Unlock()

	if !known {
		return
	}
	if reason != nil {
		log.Printf("[hub] client disconnected: %s (live=%d), reason: %v", id, total, reason)
		return
	}
	log.Printf("[hub] client disconnected: %s (live=%d)", id, total)
}

// Send pushes a ReceiveMessage event to one connection. It returns
// ErrUnreachable when the id is unknown or the write fails; a failed writer
// is dropped from the registry so later sends fail fast.
func (h *Hub) Send(connectionID, payload string) error {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()

	if !ok {
		return ErrUnreachable
	}

	if err := conn.write(ReceiveMessageEvent, payload); err != nil {
		h.Unregister(connectionID, err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Broadcast pushes a ReceiveMessage event to every live connection, best
// effort. Per-recipient failures are swallowed; failed writers are dropped.
func (h *Hub) Broadcast(payload string) {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.write(ReceiveMessageEvent, payload); err != nil {
			h.Unregister(conn.id, err)
		}
	}
}

// Connected reports whether the connection is currently live.
func (h *Hub) Connected(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connectionID]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendEvent pushes an arbitrary event to one connection. Used by the
// websocket handler for lifecycle and echo messages.
func (h *Hub) SendEvent(connectionID, event, data string) error {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()

	if !ok {
		return ErrUnreachable
	}

	if err := conn.write(event, data); err != nil {
		h.Unregister(connectionID, err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}
