package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chatHandler "github.com/quietriver/chat-relay/backend/internal/handler/chat"
	hubHandler "github.com/quietriver/chat-relay/backend/internal/handler/hub"
	hubservice "github.com/quietriver/chat-relay/backend/internal/hub"
	middlewarePkg "github.com/quietriver/chat-relay/backend/internal/middleware"
	"github.com/quietriver/chat-relay/backend/internal/service/relay"
	"github.com/quietriver/chat-relay/backend/internal/service/session"
)

// NewRouter wires HTTP routes to core services. rly may be nil when the
// completion provider is not configured; chat endpoints then report 503.
func NewRouter(baseCtx context.Context, store *session.Store, rly *relay.Relay, h *hubservice.Hub, mode chatHandler.DeliveryMode) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatH := chatHandler.New(baseCtx, rly, h, store, mode)
	hubH := hubHandler.New(h)

	r.Route("/api", func(api chi.Router) {
		chatH.RegisterRoutes(api)
		hubH.RegisterRoutes(api)
	})

	return r
}
