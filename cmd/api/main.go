package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quietriver/chat-relay/backend/internal/config"
	"github.com/quietriver/chat-relay/backend/internal/handler"
	chatHandler "github.com/quietriver/chat-relay/backend/internal/handler/chat"
	hubservice "github.com/quietriver/chat-relay/backend/internal/hub"
	"github.com/quietriver/chat-relay/backend/internal/service/ai"
	"github.com/quietriver/chat-relay/backend/internal/service/relay"
	"github.com/quietriver/chat-relay/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store := session.NewStore(cfg.Relay.SessionIdleTTL)
	hub := hubservice.New()

	var rly *relay.Relay
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize completion client: %v", err)
			log.Println("continuing without AI functionality - check the ARK_* environment variables")
		} else {
			rly = relay.New(store, aiService, relay.Config{
				ChunkDelay:          cfg.Relay.ChunkDelay,
				KeepPartialOnCancel: cfg.Relay.KeepPartialOnCancel,
			})
			log.Printf("completion client initialized, delivery mode: %s", cfg.Relay.DeliveryMode)
		}
	} else {
		log.Println("Ark credentials not configured, chat endpoints will report unavailable")
	}

	if cfg.Relay.SessionIdleTTL > 0 {
		go runSessionJanitor(ctx, store, cfg.Relay.JanitorInterval)
		log.Printf("session eviction enabled, idle TTL: %s", cfg.Relay.SessionIdleTTL)
	}

	router := handler.NewRouter(ctx, store, rly, hub, chatHandler.DeliveryMode(cfg.Relay.DeliveryMode))

	startServer(ctx, cfg.Server, router)
}

// runSessionJanitor periodically drops sessions idle past the TTL.
func runSessionJanitor(ctx context.Context, store *session.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := store.EvictIdle(now.UTC()); evicted > 0 {
				log.Printf("[session] evicted %d idle sessions (live=%d)", evicted, store.Len())
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chat relay backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
