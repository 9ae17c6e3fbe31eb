package hub

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	hubservice "github.com/quietriver/chat-relay/backend/internal/hub"
)

const (
	readWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler upgrades browser connections into hub members. The connection id
// it hands out is the session id clients must quote when submitting prompts.
type Handler struct {
	hub      *hubservice.Hub
	upgrader websocket.Upgrader
}

// New creates the websocket handler bound to the hub.
func New(h *hubservice.Hub) *Handler {
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the hub endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/hub", h.handleWebSocket)
}

type inboundMessage struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connectionID := h.hub.Register(conn)
	defer h.hub.Unregister(connectionID, nil)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	go h.pingLoop(ctx, conn)

	// Clients learn their connection id from this event and quote it as
	// the sessionId on /chat submissions.
	if err := h.hub.SendEvent(connectionID, "connected", connectionID); err != nil {
		log.Printf("[hub] failed to send connected event: %v", err)
		return
	}

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.hub.Unregister(connectionID, err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readWait))
		h.handleMessage(connectionID, &msg)
	}
}

func (h *Handler) handleMessage(connectionID string, msg *inboundMessage) {
	switch msg.Event {
	case "SendMessage":
		log.Printf("[hub] message received: %s (connection=%s)", msg.Data, connectionID)
		if err := h.hub.Send(connectionID, "Echo: "+msg.Data); err != nil {
			log.Printf("[hub] echo failed for %s: %v", connectionID, err)
		}
	default:
		if err := h.hub.SendEvent(connectionID, "error", "unsupported event: "+msg.Event); err != nil {
			log.Printf("[hub] error notice failed for %s: %v", connectionID, err)
		}
	}
}

// pingLoop keeps the connection alive until the read loop ends.
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl is safe alongside the hub's data writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
