package core

import (
	"context"
	"maps"
	"sync"

	"github.com/hupe1980/agentcrew/logging"
)

// RunContext carries the mutable, per-run execution scope of one agent run:
// identifiers, the session snapshot read while building context, the staged
// state delta written by tools, and the event emitter.
//
// State mutations performed via SetState accumulate in a staged delta that is
// committed to the session store during persistence. RunContext is safe for
// concurrent use by tools executing in parallel.
type RunContext struct {
	Context   context.Context
	RunID     string
	SessionID string
	UserID    string
	Author    string
	Session   *Session

	mu         sync.RWMutex
	stateDelta map[string]any
	emit       func(Event) error

	*loggerAdapter
}

// NewRunContext constructs a RunContext. sess may be nil for runs without a
// session; emit may be nil to discard events.
func NewRunContext(ctx context.Context, runID, author string, in Input, sess *Session, emit func(Event) error, logger logging.Logger) *RunContext {
	return &RunContext{
		Context:       ctx,
		RunID:         runID,
		SessionID:     in.SessionID,
		UserID:        in.UserID,
		Author:        author,
		Session:       sess,
		stateDelta:    map[string]any{},
		emit:          emit,
		loggerAdapter: newLoggerAdapter(logging.With(logger, "run_id", runID, "author", author)),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// GetState returns a staged value if present, else the session value.
func (rc *RunContext) GetState(k string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	if v, ok := rc.stateDelta[k]; ok {
		return v, true
	}

	return rc.Session.GetState(k)
}

// SetState stages a state mutation.
func (rc *RunContext) SetState(k string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.stateDelta[k] = v
}

// StateDelta returns a copy of the staged mutations.
func (rc *RunContext) StateDelta() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return maps.Clone(rc.stateDelta)
}

// SetSession replaces the session snapshot.
func (rc *RunContext) SetSession(s *Session) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.Session = s
}

// Emit delivers ev to the run's event sequence, stamping run identifiers.
func (rc *RunContext) Emit(ev Event) error {
	if rc.emit == nil {
		return nil
	}

	if ev.RunID == "" {
		ev.RunID = rc.RunID
	}

	if ev.Author == "" {
		ev.Author = rc.Author
	}

	return rc.emit(ev)
}
