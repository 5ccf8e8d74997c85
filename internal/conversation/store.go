package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/docqa/internal/config"
)

// SessionStore persists sessions and their messages.
//
// Implementations need not serialize callers for the same user; the
// Orchestrator does that.
type SessionStore interface {
	// Start deactivates every session of s.UserID and inserts s as the
	// only active one, atomically.
	Start(ctx context.Context, s Session) error
	// Active returns the user's active session with its messages.
	Active(ctx context.Context, userID string) (Session, bool, error)
	// Get returns a session with its messages.
	Get(ctx context.Context, id string) (Session, error)
	// List returns the user's sessions, most recently updated first,
	// without messages.
	List(ctx context.Context, userID string) ([]Session, error)
	// DeactivateAll marks every session of the user inactive and returns
	// how many were active.
	DeactivateAll(ctx context.Context, userID string) (int, error)
	// Append adds msg to the session, sets title if the session has none,
	// and bumps UpdatedAt to msg.Timestamp.
	Append(ctx context.Context, sessionID string, msg Message, title string) error
	Close() error
}

// NewStore opens the configured session store.
func NewStore(ctx context.Context, cfg config.ConversationConfig) (SessionStore, error) {
	switch cfg.Store {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown conversation store %q", cfg.Store)
	}
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Start(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.deactivateLocked(s.UserID)
	s.IsActive = true
	s.Messages = cloneMessages(s.Messages)
	s.MessageCount = len(s.Messages)
	m.sessions[s.ID] = &s
	return nil
}

func (m *MemoryStore) Active(_ context.Context, userID string) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			return cloneSession(s, true), true, nil
		}
	}
	return Session{}, false, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return cloneSession(s, true), nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, cloneSession(s, false))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeactivateAll(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivateLocked(userID), nil
}

func (m *MemoryStore) deactivateLocked(userID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			s.IsActive = false
			n++
		}
	}
	return n
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, msg Message, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	msg.Sources = append([]Source(nil), msg.Sources...)
	s.Messages = append(s.Messages, msg)
	s.MessageCount = len(s.Messages)
	if s.Title == "" {
		s.Title = title
	}
	s.UpdatedAt = msg.Timestamp
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneSession(s *Session, withMessages bool) Session {
	out := *s
	out.Messages = nil
	if withMessages {
		out.Messages = cloneMessages(s.Messages)
	}
	return out
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Sources = append([]Source(nil), m.Sources...)
		out[i] = m
	}
	return out
}
