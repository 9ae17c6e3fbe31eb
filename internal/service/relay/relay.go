package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/quietriver/chat-relay/backend/internal/model/chat"
)

// ErrStreamInFlight is returned when a prompt is submitted for a session
// that already has a stream running. The relay guarantees at most one
// in-flight assistant turn per session.
var ErrStreamInFlight = errors.New("session already has a stream in flight")

// HistoryStore is the slice of the session store the relay needs.
type HistoryStore interface {
	GetOrCreate(ctx context.Context, sessionID string) chat.Session
	AppendUserTurn(ctx context.Context, sessionID, content string) chat.Turn
	AppendAssistantTurn(ctx context.Context, sessionID, content string) chat.Turn
}

// Completer opens a token stream from the completion provider for the given
// conversation plus the new user prompt.
type Completer interface {
	StreamCompletion(ctx context.Context, history []chat.Turn, prompt string) (*schema.StreamReader[*schema.Message], error)
}

// Sender pushes a payload to one logical client. Send reports an error when
// the specific target is unreachable; Broadcast is best effort and cannot
// fail. Neither call retries.
type Sender interface {
	Send(connectionID, payload string) error
	Broadcast(payload string)
}

// State is the terminal state of one relayed stream.
type State string

const (
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Outcome summarizes a finished stream for the caller.
type Outcome struct {
	State   State
	Content string
	Chunks  int
	Err     error
}

// Config tunes relay behavior without changing its contract.
type Config struct {
	// ChunkDelay inserts a fixed pause between chunk deliveries to avoid
	// overwhelming the transport. Zero disables pacing.
	ChunkDelay time.Duration
	// KeepPartialOnCancel appends the accumulated text as the assistant
	// turn when the stream is cancelled. When false the partial turn is
	// discarded and only the user turn remains.
	KeepPartialOnCancel bool
}

// Relay drives one completion stream per session: it loads history, appends
// the user turn, forwards each chunk to the delivery channel in emission
// order and finalizes the session with the assembled assistant turn.
type Relay struct {
	store     HistoryStore
	completer Completer
	cfg       Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New wires the relay to its collaborators.
func New(store HistoryStore, completer Completer, cfg Config) *Relay {
	return &Relay{
		store:     store,
		completer: completer,
		cfg:       cfg,
		inFlight:  make(map[string]struct{}),
	}
}

// Stream runs one request end to end. The returned error is non-nil only
// when the request was rejected before any state changed (a stream already
// in flight for the session); every fault after that point is absorbed into
// the Outcome and a best-effort client notification.
//
// Delivery targets the session's connection id. When the specific target is
// unreachable each affected chunk degrades to a broadcast to all connected
// clients; that fallback is best effort, not a correctness guarantee.
func (r *Relay) Stream(ctx context.Context, sessionID, prompt string, sender Sender) (Outcome, error) {
	if err := r.acquire(sessionID); err != nil {
		return Outcome{}, err
	}
	defer r.release(sessionID)

	session := r.store.GetOrCreate(ctx, sessionID)
	history := session.Turns
	r.store.AppendUserTurn(ctx, sessionID, prompt)

	log.Printf("[relay] stream starting session=%s prompt_len=%d history=%d", sessionID, len(prompt), len(history))

	stream, err := r.completer.StreamCompletion(ctx, history, prompt)
	if err != nil {
		log.Printf("[relay] failed to open completion stream session=%s: %v", sessionID, err)
		r.deliver(sender, sessionID, fmt.Sprintf("Error: %v", err))
		r.store.AppendAssistantTurn(ctx, sessionID, "")
		return Outcome{State: StateFailed, Err: err}, nil
	}
	defer stream.Close()

	outcome := r.pump(ctx, stream, sessionID, sender)

	if outcome.State == StateCancelled && !r.cfg.KeepPartialOnCancel {
		log.Printf("[relay] stream cancelled session=%s, discarding %d accumulated chunks", sessionID, outcome.Chunks)
		return outcome, nil
	}

	r.store.AppendAssistantTurn(ctx, sessionID, outcome.Content)
	log.Printf("[relay] stream %s session=%s chunks=%d response_len=%d", outcome.State, sessionID, outcome.Chunks, len(outcome.Content))
	return outcome, nil
}

// pump drains the completion stream, forwarding chunks strictly in order.
// Delivery of chunk N+1 is not attempted until chunk N has resolved.
func (r *Relay) pump(ctx context.Context, stream *schema.StreamReader[*schema.Message], sessionID string, sender Sender) Outcome {
	var acc strings.Builder
	chunks := 0

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return Outcome{State: StateDone, Content: acc.String(), Chunks: chunks}
		}
		if recvErr != nil {
			// A cancelled caller surfaces as a Recv error on provider
			// streams; that is the client stopping, not a provider fault,
			// so no error notice goes out.
			if ctx.Err() != nil {
				return Outcome{State: StateCancelled, Content: acc.String(), Chunks: chunks, Err: ctx.Err()}
			}
			// Provider failure is terminal for this request; notify the
			// client and keep whatever was already accumulated.
			log.Printf("[relay] stream error session=%s after %d chunks: %v", sessionID, chunks, recvErr)
			r.deliver(sender, sessionID, fmt.Sprintf("Error: %v", recvErr))
			return Outcome{State: StateFailed, Content: acc.String(), Chunks: chunks, Err: recvErr}
		}

		// Cancellation is observed at chunk granularity, before the chunk
		// is inspected: the in-flight chunk is neither delivered nor
		// accumulated, empty keep-alive deltas included.
		if ctx.Err() != nil {
			return Outcome{State: StateCancelled, Content: acc.String(), Chunks: chunks, Err: ctx.Err()}
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		acc.WriteString(chunk.Content)
		chunks++
		r.deliver(sender, sessionID, chunk.Content)

		if !r.pace(ctx) {
			return Outcome{State: StateCancelled, Content: acc.String(), Chunks: chunks, Err: ctx.Err()}
		}
	}
}

// deliver sends to the session's connection, degrading to a broadcast when
// the specific target is unreachable.
func (r *Relay) deliver(sender Sender, sessionID, payload string) {
	if err := sender.Send(sessionID, payload); err != nil {
		log.Printf("[relay] send to %s failed (%v), broadcasting instead", sessionID, err)
		sender.Broadcast(payload)
	}
}

// pace sleeps the configured chunk delay, returning false when cancelled.
func (r *Relay) pace(ctx context.Context) bool {
	if r.cfg.ChunkDelay <= 0 {
		return true
	}

	timer := time.NewTimer(r.cfg.ChunkDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Relay) acquire(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[sessionID]; busy {
		return ErrStreamInFlight
	}
	r.inFlight[sessionID] = struct{}{}
	return nil
}

func (r *Relay) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, sessionID)
}
