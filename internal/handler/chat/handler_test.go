package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	chatmodel "github.com/quietriver/chat-relay/backend/internal/model/chat"
	"github.com/quietriver/chat-relay/backend/internal/service/relay"
	"github.com/quietriver/chat-relay/backend/internal/service/session"
)

type fakeCompleter struct {
	texts []string
}

func (f *fakeCompleter) StreamCompletion(context.Context, []chatmodel.Turn, string) (*schema.StreamReader[*schema.Message], error) {
	msgs := make([]*schema.Message, 0, len(f.texts))
	for _, text := range f.texts {
		msgs = append(msgs, schema.AssistantMessage(text, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

type fakePusher struct {
	mu   sync.Mutex
	sent []string
	done chan struct{}
	want int
}

func newFakePusher(want int) *fakePusher {
	return &fakePusher{done: make(chan struct{}), want: want}
}

func (f *fakePusher) Send(_, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	if len(f.sent) == f.want {
		close(f.done)
	}
	return nil
}

func (f *fakePusher) Broadcast(string) {}

func setupRouter(mode DeliveryMode, pusher relay.Sender) (*chi.Mux, *session.Store) {
	store := session.NewStore(0)
	rly := relay.New(store, &fakeCompleter{texts: []string{"Hi", " there", "!"}}, relay.Config{})
	handler := New(context.Background(), rly, pusher, store, mode)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, store
}

func postChat(r http.Handler, body map[string]string) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatMissingPrompt(t *testing.T) {
	r, _ := setupRouter(DeliveryPush, newFakePusher(1))

	resp := postChat(r, map[string]string{"connectionId": "c1"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestChatMissingSessionID(t *testing.T) {
	r, _ := setupRouter(DeliveryPush, newFakePusher(1))

	resp := postChat(r, map[string]string{"prompt": "Hello"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestChatUnavailableWithoutRelay(t *testing.T) {
	store := session.NewStore(0)
	handler := New(context.Background(), nil, newFakePusher(1), store, DeliveryPush)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	resp := postChat(r, map[string]string{"prompt": "Hello", "connectionId": "c1"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestChatPushModeAcceptsAndStreams(t *testing.T) {
	pusher := newFakePusher(3)
	r, store := setupRouter(DeliveryPush, pusher)

	resp := postChat(r, map[string]string{"prompt": "Hello", "connectionId": "c1"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}

	select {
	case <-pusher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed chunks")
	}

	pusher.mu.Lock()
	sent := append([]string(nil), pusher.sent...)
	pusher.mu.Unlock()
	if len(sent) != 3 || sent[0] != "Hi" || sent[1] != " there" || sent[2] != "!" {
		t.Fatalf("unexpected pushed chunks: %v", sent)
	}

	// Finalized history lands asynchronously right before the last chunk
	// delivery resolves; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		turns := store.Turns(context.Background(), "c1")
		if len(turns) == 2 {
			if turns[1].Content != "Hi there!" {
				t.Fatalf("unexpected assistant turn: %q", turns[1].Content)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never finalized, have %d turns", len(turns))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatDirectModeStreamsSSE(t *testing.T) {
	r, store := setupRouter(DeliveryDirect, newFakePusher(1))

	resp := postChat(r, map[string]string{"prompt": "Hello", "sessionId": "s1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	body := resp.Body.String()
	for _, want := range []string{
		"event: start",
		"event: ReceiveMessage\ndata: \"Hi\"",
		"event: ReceiveMessage\ndata: \" there\"",
		"event: ReceiveMessage\ndata: \"!\"",
		"event: end",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("response body missing %q:\n%s", want, body)
		}
	}

	// Chunk order must match emission order.
	if strings.Index(body, "\"Hi\"") > strings.Index(body, "\" there\"") {
		t.Fatalf("chunks out of order:\n%s", body)
	}

	turns := store.Turns(context.Background(), "s1")
	if len(turns) != 2 || turns[1].Content != "Hi there!" {
		t.Fatalf("unexpected history: %+v", turns)
	}
}

func TestStreamEndpointRequiresMessage(t *testing.T) {
	r, _ := setupRouter(DeliveryPush, newFakePusher(1))

	req := httptest.NewRequest(http.MethodGet, "/stream/s1", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestStreamEndpointStreamsSSE(t *testing.T) {
	r, _ := setupRouter(DeliveryPush, newFakePusher(1))

	req := httptest.NewRequest(http.MethodGet, "/stream/s1?message=Hello", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "event: ReceiveMessage") {
		t.Fatalf("expected chunk events in body:\n%s", resp.Body.String())
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	r, store := setupRouter(DeliveryPush, newFakePusher(1))
	store.AppendUserTurn(context.Background(), "s1", "Hello")
	store.AppendAssistantTurn(context.Background(), "s1", "Hi there!")

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1/turns", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var payload struct {
		SessionID string           `json:"sessionId"`
		Turns     []chatmodel.Turn `json:"turns"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid transcript payload: %v", err)
	}
	if len(payload.Turns) != 2 || payload.Turns[0].Content != "Hello" {
		t.Fatalf("unexpected transcript: %+v", payload.Turns)
	}
}

func TestTranscriptUnknownSessionIsEmpty(t *testing.T) {
	r, _ := setupRouter(DeliveryPush, newFakePusher(1))

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing/turns", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"turns":[]`) {
		t.Fatalf("expected empty turns array:\n%s", resp.Body.String())
	}
}
