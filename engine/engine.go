package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
)

// Runnable is anything that drives a run through a Stream: agents, teams
// and workflows.
type Runnable interface {
	Name() string
	RunAsync(ctx context.Context, in core.Input) *Stream
}

// Config defines tuning parameters for the Engine.
type Config struct {
	// MaxConcurrentRuns limits the number of runs executing simultaneously.
	// Invoke blocks until a slot frees up or ctx is done. Zero means
	// unlimited.
	MaxConcurrentRuns int
}

// DefaultConfig provides the default Engine configuration.
var DefaultConfig = Config{
	MaxConcurrentRuns: 10,
}

// Options configures an Engine.
type Options struct {
	Config Config
	Hooks  []Hook
	Logger logging.Logger
}

// Engine is a registry of named runnables with bounded concurrent
// invocation and tracking of active runs.
//
// Example:
//
//	eng := engine.New()
//	_ = eng.Register(assistant)
//
//	stream, err := eng.Invoke(ctx, "assistant", core.TextInput("hi"))
//	if err != nil {
//	    return err
//	}
//
//	for ev := range stream.Events() {
//	    // render ev
//	}
type Engine struct {
	logger logging.Logger
	hooks  *HookManager

	mu        sync.RWMutex
	runnables map[string]Runnable

	activeMu sync.RWMutex
	active   map[string]*Stream

	slots chan struct{}
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Engine{
		logger:    logging.OrNoOp(opts.Logger),
		hooks:     NewHookManager(opts.Hooks...),
		runnables: make(map[string]Runnable),
		active:    make(map[string]*Stream),
	}

	if opts.Config.MaxConcurrentRuns > 0 {
		e.slots = make(chan struct{}, opts.Config.MaxConcurrentRuns)
	}

	return e
}

// Register adds r under its name. Names must be unique.
func (e *Engine) Register(r Runnable) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.runnables[r.Name()]; ok {
		return fmt.Errorf("runnable %q already registered", r.Name())
	}

	e.runnables[r.Name()] = r

	return nil
}

// Get retrieves a registered runnable by name.
func (e *Engine) Get(name string) (Runnable, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.runnables[name]

	return r, ok
}

// Names lists the registered runnables in sorted order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.runnables))
	for n := range e.runnables {
		names = append(names, n)
	}

	slices.Sort(names)

	return names
}

// Hooks returns the hook manager, for registering hooks after construction.
func (e *Engine) Hooks() *HookManager { return e.hooks }

// Invoke starts the named runnable and returns its stream. It blocks while
// the engine is at its concurrency limit. Errors returned here mean the run
// never started: unknown name, a rejecting before-run hook, or ctx done
// while waiting for a slot.
func (e *Engine) Invoke(ctx context.Context, name string, in core.Input) (*Stream, error) {
	r, ok := e.Get(name)
	if !ok {
		return nil, fmt.Errorf("runnable %q not found", name)
	}

	if err := e.hooks.Execute(ctx, HookBeforeRun, &HookContext{Name: name, Input: in}); err != nil {
		return nil, fmt.Errorf("run of %q rejected: %w", name, err)
	}

	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for run slot: %w", ctx.Err())
		}
	}

	s := r.RunAsync(ctx, in)

	e.activeMu.Lock()
	e.active[s.RunID()] = s
	e.activeMu.Unlock()

	e.logger.Debug("engine.run.started", "name", name, "run_id", s.RunID())

	go func() {
		<-s.Done()

		e.activeMu.Lock()
		delete(e.active, s.RunID())
		e.activeMu.Unlock()

		if e.slots != nil {
			<-e.slots
		}

		hc := &HookContext{Name: name, Input: in, RunID: s.RunID(), Result: s.result, Err: s.err}
		if err := e.hooks.Execute(context.WithoutCancel(ctx), HookAfterRun, hc); err != nil {
			e.logger.Warn("engine.hook.failed", "name", name, "run_id", s.RunID(), "error", err)
		}

		e.logger.Debug("engine.run.finished", "name", name, "run_id", s.RunID(), "failed", s.err != nil)
	}()

	return s, nil
}

// Run invokes the named runnable and blocks until it finishes.
func (e *Engine) Run(ctx context.Context, name string, in core.Input) (*core.RunResult, error) {
	s, err := e.Invoke(ctx, name, in)
	if err != nil {
		return nil, err
	}

	return s.Wait()
}

// Stop cancels the active run with the given ID.
func (e *Engine) Stop(runID string) error {
	e.activeMu.RLock()
	s, ok := e.active[runID]
	e.activeMu.RUnlock()

	if !ok {
		return fmt.Errorf("run %s not active", runID)
	}

	s.Cancel()

	return nil
}

// Active lists the IDs of runs currently executing.
func (e *Engine) Active() []string {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
