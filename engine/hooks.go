package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcrew/core"
)

// HookType names a point in the run lifecycle where hooks execute.
type HookType string

const (
	// HookBeforeRun executes before a run starts. An error rejects the run.
	HookBeforeRun HookType = "before_run"

	// HookAfterRun executes after a run's terminal event. Errors are logged.
	HookAfterRun HookType = "after_run"
)

// HookContext describes the run a hook executes for. RunID, Result and Err
// are only set for HookAfterRun.
type HookContext struct {
	Name   string
	Input  core.Input
	RunID  string
	Result *core.RunResult
	Err    error
}

// Hook is a lifecycle extension point of the Engine.
type Hook interface {
	Type() HookType
	Execute(ctx context.Context, hc *HookContext) error
}

// FunctionHook adapts a function to the Hook interface.
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hc *HookContext) error
}

// NewFunctionHook creates a hook executing fn at hookType.
func NewFunctionHook(hookType HookType, fn func(ctx context.Context, hc *HookContext) error) *FunctionHook {
	return &FunctionHook{hookType: hookType, fn: fn}
}

// Type returns the hook type.
func (h *FunctionHook) Type() HookType { return h.hookType }

// Execute runs the wrapped function.
func (h *FunctionHook) Execute(ctx context.Context, hc *HookContext) error { return h.fn(ctx, hc) }

// HookManager keeps hooks grouped by type and executes them in
// registration order.
type HookManager struct {
	mu    sync.RWMutex
	hooks map[HookType][]Hook
}

// NewHookManager creates a manager holding hooks.
func NewHookManager(hooks ...Hook) *HookManager {
	m := &HookManager{hooks: make(map[HookType][]Hook)}
	for _, h := range hooks {
		m.Register(h)
	}

	return m
}

// Register adds a hook.
func (m *HookManager) Register(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks[h.Type()] = append(m.hooks[h.Type()], h)
}

// Execute runs the hooks of type t, stopping at the first error.
func (m *HookManager) Execute(ctx context.Context, t HookType, hc *HookContext) error {
	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooks[t]...)
	m.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Execute(ctx, hc); err != nil {
			return err
		}
	}

	return nil
}
