package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// InMemoryStore is a volatile SessionStore storing sessions in a process
// local map. It is safe for concurrent access and best suited for tests or
// ephemeral demo servers. Each returned session is cloned to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.Session)}
}

// Load returns a clone of the session, or core.ErrSessionNotFound.
func (s *InMemoryStore) Load(_ context.Context, userID, sessionID string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || !visibleTo(sess.UserID, userID) {
		return nil, core.ErrSessionNotFound
	}

	return sess.Clone(), nil
}

// AppendRun appends run to the session history, creating the session when needed.
func (s *InMemoryStore) AppendRun(_ context.Context, userID, sessionID string, run core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.writableLocked(userID, sessionID)
	if err != nil {
		return err
	}

	if sess.OwnerID == "" {
		sess.OwnerID = run.Author
	}

	sess.Runs = append(sess.Runs, run.Clone())
	sess.Updated = time.Now().UTC()

	return nil
}

// GetState returns a copy of the session state. Unknown sessions have empty state.
func (s *InMemoryStore) GetState(_ context.Context, userID, sessionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || !visibleTo(sess.UserID, userID) {
		return map[string]any{}, nil
	}

	return maps.Clone(sess.State), nil
}

// SetState replaces the session state.
func (s *InMemoryStore) SetState(_ context.Context, userID, sessionID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.writableLocked(userID, sessionID)
	if err != nil {
		return err
	}

	sess.State = maps.Clone(state)
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	sess.Updated = time.Now().UTC()

	return nil
}

// MergeState implements core.StateMerger.
func (s *InMemoryStore) MergeState(_ context.Context, userID, sessionID string, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.writableLocked(userID, sessionID)
	if err != nil {
		return err
	}

	if sess.State == nil {
		sess.State = map[string]any{}
	}

	maps.Copy(sess.State, delta)
	sess.Updated = time.Now().UTC()

	return nil
}

// SetSummary implements core.SummaryStore.
func (s *InMemoryStore) SetSummary(_ context.Context, userID, sessionID string, summary core.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.writableLocked(userID, sessionID)
	if err != nil {
		return err
	}

	sess.Summary = &summary
	sess.Updated = time.Now().UTC()

	return nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *InMemoryStore) Delete(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	if !visibleTo(sess.UserID, userID) {
		return core.ErrSessionUserMismatch
	}

	delete(s.sessions, sessionID)

	return nil
}

// writableLocked returns the stored session for a write, creating it lazily;
// caller must already hold the write lock.
func (s *InMemoryStore) writableLocked(userID, sessionID string) (*core.Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = core.NewSession(sessionID, userID)
		s.sessions[sessionID] = sess
		return sess, nil
	}

	if !visibleTo(sess.UserID, userID) {
		return nil, core.ErrSessionUserMismatch
	}

	return sess, nil
}

// visibleTo reports whether a session owned by owner may be accessed by
// userID. Sessions without an owner user are shared.
func visibleTo(owner, userID string) bool {
	return owner == "" || userID == "" || owner == userID
}
