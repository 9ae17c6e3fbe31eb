package session

import (
	"context"
	"sync"
	"time"

	"github.com/quietriver/chat-relay/backend/internal/model/chat"
)

// Store keeps per-connection conversation history in memory. Sessions are
// created lazily on first reference and keyed by the connection id the
// transport assigned, so one session maps to one logical client.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
	idleTTL  time.Duration
}

// NewStore bootstraps the in-memory store. An idleTTL of zero disables
// eviction entirely and sessions live for the lifetime of the process.
func NewStore(idleTTL time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*chat.Session),
		idleTTL:  idleTTL,
	}
}

// GetOrCreate returns a snapshot of the session for the given id, creating
// an empty one when the id has not been seen before. Concurrent first
// creation of the same id yields a single session.
func (s *Store) GetOrCreate(_ context.Context, sessionID string) chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.getOrCreateLocked(sessionID))
}

// AppendUserTurn records a user message at the end of the session history.
func (s *Store) AppendUserTurn(ctx context.Context, sessionID, content string) chat.Turn {
	return s.append(ctx, sessionID, chat.RoleUser, content)
}

// AppendAssistantTurn records an assistant message at the end of the session
// history. Empty content is a valid terminal state for a stream that emitted
// no chunks, so it is stored as-is.
func (s *Store) AppendAssistantTurn(ctx context.Context, sessionID, content string) chat.Turn {
	return s.append(ctx, sessionID, chat.RoleAssistant, content)
}

func (s *Store) append(_ context.Context, sessionID string, role chat.Role, content string) chat.Turn {
	turn := chat.Turn{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(sessionID)
	sess.Turns = append(sess.Turns, turn)
	sess.LastActiveAt = turn.CreatedAt
	return turn
}

// Turns returns a copy of the stored history for the session, or nil when
// the session does not exist yet.
func (s *Store) Turns(_ context.Context, sessionID string) []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	copied := make([]chat.Turn, len(sess.Turns))
	copy(copied, sess.Turns)
	return copied
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictIdle removes sessions whose last activity is older than the
// configured idle TTL and reports how many were dropped. A zero TTL makes
// this a no-op.
func (s *Store) EvictIdle(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}

	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if sess.LastActiveAt.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// getOrCreateLocked allocates and stores a new session when needed; the
// caller must hold the write lock.
func (s *Store) getOrCreateLocked(sessionID string) *chat.Session {
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}

	now := time.Now().UTC()
	sess := &chat.Session{
		ID:           sessionID,
		Turns:        make([]chat.Turn, 0, 16),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.sessions[sessionID] = sess
	return sess
}

func snapshot(sess *chat.Session) chat.Session {
	copied := *sess
	copied.Turns = make([]chat.Turn, len(sess.Turns))
	copy(copied.Turns, sess.Turns)
	return copied
}
