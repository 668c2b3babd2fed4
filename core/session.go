package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"
)

// SessionSummary condenses the first RunCount runs of a session.
type SessionSummary struct {
	Text      string    `json:"text"`
	RunCount  int       `json:"run_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a snapshot of a durable multi-turn conversation: ordered runs
// plus shared mutable state. Stores hand out copies, so a Session value can
// be read and modified freely without affecting persisted data.
type Session struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id,omitempty"`
	OwnerID  string            `json:"owner_id,omitempty"`
	Runs     []Run             `json:"runs"`
	State    map[string]any    `json:"state"`
	Summary  *SessionSummary   `json:"summary,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
}

// NewSession creates a new empty session.
func NewSession(id, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:       id,
		UserID:   userID,
		Runs:     []Run{},
		State:    map[string]any{},
		Metadata: map[string]string{},
		Created:  now,
		Updated:  now,
	}
}

// GetState returns the value and existence flag for a state key.
func (s *Session) GetState(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.State[key]
	return v, ok
}

// CompletedRuns returns the runs with status completed, oldest first.
func (s *Session) CompletedRuns() []Run {
	if s == nil {
		return nil
	}
	res := make([]Run, 0, len(s.Runs))
	for _, r := range s.Runs {
		if r.Status == RunCompleted {
			res = append(res, r)
		}
	}
	return res
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Runs = make([]Run, len(s.Runs))
	for i, r := range s.Runs {
		c.Runs[i] = r.Clone()
	}
	c.State = maps.Clone(s.State)
	if c.State == nil {
		c.State = map[string]any{}
	}
	c.Metadata = maps.Clone(s.Metadata)
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	return &c
}

// SessionStore persists sessions, their run history and state. All
// operations are scoped by userID where one is given: a session owned by
// another user is invisible to reads and rejects writes.
//
// AppendRun is atomic and ordered; SetState is an atomic replace. Both
// create the session when it does not exist yet.
type SessionStore interface {
	Load(ctx context.Context, userID, sessionID string) (*Session, error)
	AppendRun(ctx context.Context, userID, sessionID string, run Run) error
	GetState(ctx context.Context, userID, sessionID string) (map[string]any, error)
	SetState(ctx context.Context, userID, sessionID string, state map[string]any) error
}

// StateMerger is implemented by session stores that merge a state delta
// atomically, including against writers in other processes.
type StateMerger interface {
	MergeState(ctx context.Context, userID, sessionID string, delta map[string]any) error
}

// MergeState merges delta into the stored session state. Stores without
// StateMerger fall back to GetState and SetState, which is only safe while
// the caller holds the session lock.
func MergeState(ctx context.Context, store SessionStore, userID, sessionID string, delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}

	if m, ok := store.(StateMerger); ok {
		return m.MergeState(ctx, userID, sessionID, delta)
	}

	state, err := store.GetState(ctx, userID, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("get state: %w", err)
	}

	if state == nil {
		state = map[string]any{}
	}

	maps.Copy(state, delta)

	if err := store.SetState(ctx, userID, sessionID, state); err != nil {
		return fmt.Errorf("set state: %w", err)
	}

	return nil
}

// SummaryStore is implemented by session stores able to persist summaries.
type SummaryStore interface {
	SetSummary(ctx context.Context, userID, sessionID string, summary SessionSummary) error
}

