package core

import (
	"context"
	"maps"
	"sync"

	"github.com/hupe1980/agentcrew/logging"
)

// ToolContext provides a constrained surface for tool implementations
// invoked during a run. State written through it is held per call until
// Commit hands it to the parent RunContext; after Commit or Discard further
// writes are dropped.
type ToolContext struct {
	ctx            context.Context
	runCtx         *RunContext
	functionCallID string
	toolName       string

	mu     sync.RWMutex
	staged map[string]any
	closed bool

	*loggerAdapter
}

// NewToolContext binds a tool invocation to its run. ctx usually carries the
// per-call timeout.
func NewToolContext(ctx context.Context, runCtx *RunContext, call FunctionCall) *ToolContext {
	return &ToolContext{
		ctx:            ctx,
		runCtx:         runCtx,
		functionCallID: call.ID,
		toolName:       call.Name,
		staged:         map[string]any{},
		loggerAdapter:  newLoggerAdapter(logging.With(runCtx.Logger(), "tool", call.Name, "function_call_id", call.ID)),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// RunID returns the run ID associated with the tool invocation.
func (tc *ToolContext) RunID() string { return tc.runCtx.RunID }

// SessionID returns the session ID associated with the tool invocation.
func (tc *ToolContext) SessionID() string { return tc.runCtx.SessionID }

// UserID returns the user the run acts for.
func (tc *ToolContext) UserID() string { return tc.runCtx.UserID }

// AgentName returns the name of the agent running the tool.
func (tc *ToolContext) AgentName() string { return tc.runCtx.Author }

// FunctionCallID returns the function call ID associated with the tool invocation.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// ToolName returns the invoked tool's name.
func (tc *ToolContext) ToolName() string { return tc.toolName }

// GetState retrieves session state, including values staged by this call
// and earlier in the run.
func (tc *ToolContext) GetState(k string) (any, bool) {
	tc.mu.RLock()
	v, ok := tc.staged[k]
	tc.mu.RUnlock()

	if ok {
		return v, true
	}

	return tc.runCtx.GetState(k)
}

// SetState stages a session state mutation for this call.
func (tc *ToolContext) SetState(k string, v any) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		tc.LogWarn("tool.state.dropped", "key", k)
		return
	}

	tc.staged[k] = v
	tc.LogDebug("tool.state.set", "key", k)
}

// Commit moves the call's staged writes to the run and closes the context.
func (tc *ToolContext) Commit() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		return
	}

	tc.closed = true

	for k, v := range tc.staged {
		tc.runCtx.SetState(k, v)
	}

	tc.staged = nil
}

// Discard drops the call's staged writes and closes the context. Used when
// the call failed, timed out or was cancelled.
func (tc *ToolContext) Discard() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.closed = true
	tc.staged = nil
}

// Staged returns a copy of the writes not yet committed.
func (tc *ToolContext) Staged() map[string]any {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return maps.Clone(tc.staged)
}
