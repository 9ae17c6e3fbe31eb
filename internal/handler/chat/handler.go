package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quietriver/chat-relay/backend/internal/model/chat"
	"github.com/quietriver/chat-relay/backend/internal/service/relay"
	"github.com/quietriver/chat-relay/backend/pkg/utils"
)

// DeliveryMode selects how streamed chunks reach the client.
type DeliveryMode string

const (
	// DeliveryPush forwards chunks over the websocket hub; the submit
	// request returns as soon as the stream is started.
	DeliveryPush DeliveryMode = "push"
	// DeliveryDirect streams chunks as the HTTP response body (SSE); the
	// request context is the cancellation signal.
	DeliveryDirect DeliveryMode = "direct"
)

// TranscriptStore is the read side of the session store used by the
// transcript endpoint.
type TranscriptStore interface {
	Turns(ctx context.Context, sessionID string) []chat.Turn
}

// Handler accepts prompt submissions and hands them to the stream relay.
type Handler struct {
	relay   *relay.Relay
	pusher  relay.Sender
	store   TranscriptStore
	mode    DeliveryMode
	baseCtx context.Context
}

// New creates the chat handler. baseCtx bounds background push-mode streams
// to the server lifetime instead of the submit request.
func New(baseCtx context.Context, rly *relay.Relay, pusher relay.Sender, store TranscriptStore, mode DeliveryMode) *Handler {
	return &Handler{
		relay:   rly,
		pusher:  pusher,
		store:   store,
		mode:    mode,
		baseCtx: baseCtx,
	}
}

// RegisterRoutes registers the chat endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/stream/{sessionID}", h.handleStream)
	r.Get("/sessions/{sessionID}/turns", h.handleTranscript)
}

type chatRequest struct {
	Prompt       string `json:"prompt"`
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// sessionID resolves the target session; clients connected through the hub
// send their connection id, which doubles as the session key.
func (req chatRequest) sessionID() string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return req.ConnectionID
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		utils.RespondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	sessionID := req.sessionID()
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if h.mode == DeliveryDirect {
		h.streamDirect(r.Context(), w, sessionID, req.Prompt)
		return
	}

	go h.streamPush(sessionID, req.Prompt)
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{
		"status":    "streaming",
		"sessionId": sessionID,
	})
}

// handleStream serves the direct SSE path regardless of the configured
// delivery mode.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	prompt := r.URL.Query().Get("message")
	if prompt == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	h.streamDirect(r.Context(), w, sessionID, prompt)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	turns := h.store.Turns(r.Context(), sessionID)
	if turns == nil {
		turns = []chat.Turn{}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"turns":     turns,
	})
}

// streamPush runs the relay in the background against the hub. Faults are
// reported to the client over the hub, never to the submit request.
func (h *Handler) streamPush(sessionID, prompt string) {
	outcome, err := h.relay.Stream(h.baseCtx, sessionID, prompt, h.pusher)
	if err != nil {
		if errors.Is(err, relay.ErrStreamInFlight) {
			if sendErr := h.pusher.Send(sessionID, "Error: "+err.Error()); sendErr != nil {
				log.Printf("[chat] could not notify %s about rejected prompt: %v", sessionID, sendErr)
			}
			return
		}
		log.Printf("[chat] push stream failed session=%s: %v", sessionID, err)
		return
	}
	log.Printf("[chat] push stream %s session=%s chunks=%d", outcome.State, sessionID, outcome.Chunks)
}

// streamDirect streams the response into the HTTP body as SSE events. The
// chunk event name matches the hub's push event so clients handle both
// transports the same way.
func (h *Handler) streamDirect(ctx context.Context, w http.ResponseWriter, sessionID, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	utils.SendSSEEvent(w, flusher, "start", map[string]string{"sessionId": sessionID})

	sender := &sseSender{w: w, flusher: flusher}
	outcome, err := h.relay.Stream(ctx, sessionID, prompt, sender)
	if err != nil {
		utils.SendSSEEvent(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}

	utils.SendSSEEvent(w, flusher, "end", map[string]any{
		"sessionId": sessionID,
		"state":     string(outcome.State),
		"finished":  true,
	})
}

// sseSender adapts one SSE response into the relay's delivery channel. The
// stream has exactly one recipient, so the specific send and the broadcast
// fallback write to the same place.
type sseSender struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSender) Send(_, payload string) error {
	utils.SendSSEEvent(s.w, s.flusher, "ReceiveMessage", payload)
	return nil
}

func (s *sseSender) Broadcast(payload string) {
	utils.SendSSEEvent(s.w, s.flusher, "ReceiveMessage", payload)
}
