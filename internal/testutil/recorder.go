package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
)

// EventRecorder collects emitted events. Safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events []core.Event
}

// Emit records ev. It matches the RunContext emitter signature.
func (r *EventRecorder) Emit(ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]core.Event(nil), r.events...)
}

// OfType returns the recorded events of type t in emission order.
func (r *EventRecorder) OfType(t core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the recorded event types in emission order.
func (r *EventRecorder) Types() []core.EventType {
	events := r.Events()
	out := make([]core.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Collect drains ch into a slice.
func Collect(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// NewRunContext builds a RunContext for session "sess" and user "user"
// that records into rec. sess may be nil.
func NewRunContext(ctx context.Context, rec *EventRecorder, sess *core.Session) *core.RunContext {
	var emit func(core.Event) error
	if rec != nil {
		emit = rec.Emit
	}

	in := core.Input{SessionID: "sess", UserID: "user"}
	if sess != nil {
		in.SessionID = sess.ID
		in.UserID = sess.UserID
	}

	return core.NewRunContext(ctx, "run-test", "tester", in, sess, emit, logging.NoOpLogger{})
}
