// Package conversation tracks per-user chat sessions.
//
// Each user has at most one active session. A query either reuses it or,
// when the caller asks for a new session, deactivates every session of the
// user and starts a fresh one. NewChat deactivates without starting; the
// next query then creates a session lazily.
//
// Sessions are held by a SessionStore: MemoryStore for tests and
// SQLiteStore (modernc.org/sqlite, no cgo) for deployments.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator applies the session state machine over a SessionStore.
type Orchestrator struct {
	store  SessionStore
	logger *zap.Logger

	// now and newID are replaced in tests.
	now   func() time.Time
	newID func() string

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store SessionStore, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockUser(userID string) func() {
	o.locksMu.Lock()
	mu, ok := o.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		o.userLocks[userID] = mu
	}
	o.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func validUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	return nil
}

// Resolve returns the session a query should land in. With newSession
// every session of the user is deactivated and a new one created;
// otherwise the active session is reused or created. isNew reports
// whether a session was created.
func (o *Orchestrator) Resolve(ctx context.Context, userID string, newSession bool) (Session, bool, error) {
	if err := validUser(userID); err != nil {
		return Session{}, false, err
	}
	unlock := o.lockUser(userID)
	defer unlock()
	return o.resolveLocked(ctx, userID, newSession)
}

func (o *Orchestrator) resolveLocked(ctx context.Context, userID string, newSession bool) (Session, bool, error) {
	if !newSession {
		s, ok, err := o.store.Active(ctx, userID)
		if err != nil {
			return Session{}, false, fmt.Errorf("finding active session: %w", err)
		}
		if ok {
			return s, false, nil
		}
	}

	now := o.now().UTC()
	s := Session{
		ID:        o.newID(),
		UserID:    userID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Start(ctx, s); err != nil {
		return Session{}, false, fmt.Errorf("starting session: %w", err)
	}
	o.logger.Debug("session started",
		zap.String("user_id", userID),
		zap.String("session_id", s.ID),
		zap.Bool("requested", newSession),
	)
	return s, true, nil
}

// Append records msg in the session. The first message sets the title.
func (o *Orchestrator) Append(ctx context.Context, sessionID string, msg Message) (Message, error) {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	unlock := o.lockUser(s.UserID)
	defer unlock()
	return o.appendLocked(ctx, s.ID, msg)
}

func (o *Orchestrator) appendLocked(ctx context.Context, sessionID string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = o.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if err := o.store.Append(ctx, sessionID, msg, Title(msg.Question)); err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}
	return msg, nil
}

// AnswerFunc produces the message for a resolved session.
type AnswerFunc func(ctx context.Context, s Session) (Message, error)

// Exchange resolves the user's session, calls answer, and appends the
// resulting message while holding the user's lock, so concurrent queries
// from one user cannot split across sessions. If answer fails nothing is
// appended; a session created for the exchange is kept.
func (o *Orchestrator) Exchange(ctx context.Context, userID string, newSession bool, answer AnswerFunc) (Session, bool, Message, error) {
	if err := validUser(userID); err != nil {
		return Session{}, false, Message{}, err
	}
	unlock := o.lockUser(userID)
	defer unlock()

	s, isNew, err := o.resolveLocked(ctx, userID, newSession)
	if err != nil {
		return Session{}, false, Message{}, err
	}
	msg, err := answer(ctx, s)
	if err != nil {
		return s, isNew, Message{}, err
	}
	msg, err = o.appendLocked(ctx, s.ID, msg)
	if err != nil {
		return s, isNew, Message{}, err
	}
	return s, isNew, msg, nil
}

// NewChat deactivates every session of the user and creates none.
func (o *Orchestrator) NewChat(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	unlock := o.lockUser(userID)
	defer unlock()

	n, err := o.store.DeactivateAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("deactivating sessions: %w", err)
	}
	o.logger.Debug("sessions deactivated", zap.String("user_id", userID), zap.Int("count", n))
	return nil
}

// List returns the user's sessions, most recently updated first.
func (o *Orchestrator) List(ctx context.Context, userID string) ([]Session, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	return o.store.List(ctx, userID)
}

// Get returns a session with its messages.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (Session, error) {
	return o.store.Get(ctx, sessionID)
}
