// Package agentcrew provides a thin façade over agents, teams and workflows
// that share one set of services (sessions, memories, workflow checkpoints,
// locking, logging and metrics). Most applications:
//  1. Create a Crew via New(), optionally overriding the in-memory defaults
//  2. Build agents, teams and workflows through it
//  3. Run them directly, or by name through Invoke and Run, which bound the
//     number of concurrent runs and allow stopping a run by ID
//
// Everything a Crew builds can also be constructed directly with the agent,
// team and workflow packages; the Crew injects the shared services and
// registers the result with its engine.
package agentcrew

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/memory"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/observability"
	"github.com/hupe1980/agentcrew/session"
	"github.com/hupe1980/agentcrew/team"
	"github.com/hupe1980/agentcrew/workflow"
)

// Version is the agentcrew release.
const Version = "0.1.0"

// Options configures the services shared by everything a Crew builds.
type Options struct {
	// EngineConfig bounds concurrent runs started through Invoke and Run.
	EngineConfig engine.Config
	// Hooks run before and after every run started through Invoke and Run.
	Hooks []engine.Hook

	// Stores (defaults to in-memory implementations if not provided)
	SessionStore core.SessionStore
	MemoryStore  core.MemoryStore
	Checkpoints  workflow.CheckpointStore

	// Locker serializes session commits across agents, teams and workflows
	// sharing the SessionStore.
	Locker *session.Locker

	// Logger (defaults to NoOp logger if nil)
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Crew builds agents, teams and workflows wired to shared services.
type Crew struct {
	opts   Options
	engine *engine.Engine
}

// New creates a Crew. Any unset store is initialized with an in-memory
// implementation.
func New(optFns ...func(o *Options)) *Crew {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		SessionStore: session.NewInMemoryStore(),
		MemoryStore:  memory.NewInMemoryStore(),
		Checkpoints:  workflow.NewInMemoryCheckpointStore(),
		Locker:       session.NewLocker(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)

	eng := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Hooks = opts.Hooks
		o.Logger = opts.Logger
	})

	return &Crew{opts: opts, engine: eng}
}

// SessionStore returns the shared session store.
func (c *Crew) SessionStore() core.SessionStore { return c.opts.SessionStore }

// MemoryStore returns the shared memory store.
func (c *Crew) MemoryStore() core.MemoryStore { return c.opts.MemoryStore }

// Checkpoints returns the shared workflow checkpoint store.
func (c *Crew) Checkpoints() workflow.CheckpointStore { return c.opts.Checkpoints }

// NewAgent creates an agent using the shared services with history enabled.
// optFns run afterwards and may override any of them.
func (c *Crew) NewAgent(name string, m model.Model, optFns ...func(o *agent.Options)) (*agent.Agent, error) {
	shared := func(o *agent.Options) {
		o.SessionStore = c.opts.SessionStore
		o.IncludeHistory = true
		o.MemoryStore = c.opts.MemoryStore
		o.Locker = c.opts.Locker
		o.Logger = c.opts.Logger
		o.Metrics = c.opts.Metrics
		o.Tracer = c.opts.Tracer
	}

	a, err := agent.New(name, m, append([]func(*agent.Options){shared}, optFns...)...)
	if err != nil {
		return nil, err
	}

	return register(c, a)
}

// NewTeam creates a team led by m using the shared services.
func (c *Crew) NewTeam(name string, m model.Model, members []*agent.Agent, optFns ...func(o *team.Options)) (*team.Team, error) {
	shared := func(o *team.Options) {
		o.SessionStore = c.opts.SessionStore
		o.Locker = c.opts.Locker
		o.Logger = c.opts.Logger
		o.Metrics = c.opts.Metrics
		o.Tracer = c.opts.Tracer
	}

	t, err := team.New(name, m, members, append([]func(*team.Options){shared}, optFns...)...)
	if err != nil {
		return nil, err
	}

	return register(c, t)
}

// NewWorkflow creates a workflow whose runs merge into the shared session
// store and checkpoint into the shared checkpoint store.
func (c *Crew) NewWorkflow(name string, steps []workflow.Step, optFns ...func(o *workflow.Options)) (*workflow.Workflow, error) {
	shared := func(o *workflow.Options) {
		o.SessionStore = c.opts.SessionStore
		o.Locker = c.opts.Locker
		o.Checkpoints = c.opts.Checkpoints
		o.Logger = c.opts.Logger
		o.Metrics = c.opts.Metrics
		o.Tracer = c.opts.Tracer
	}

	w, err := workflow.New(name, steps, append([]func(*workflow.Options){shared}, optFns...)...)
	if err != nil {
		return nil, err
	}

	return register(c, w)
}

func register[R engine.Runnable](c *Crew, r R) (R, error) {
	if err := c.engine.Register(r); err != nil {
		var zero R
		return zero, fmt.Errorf("register %s: %w", r.Name(), err)
	}
	return r, nil
}

// Names lists the registered agents, teams and workflows.
func (c *Crew) Names() []string { return c.engine.Names() }

// Invoke starts the agent, team or workflow registered under name. It
// blocks while the crew is at its concurrency limit.
func (c *Crew) Invoke(ctx context.Context, name string, in core.Input) (*engine.Stream, error) {
	return c.engine.Invoke(ctx, name, in)
}

// Run invokes name and waits for the result.
func (c *Crew) Run(ctx context.Context, name string, in core.Input) (*core.RunResult, error) {
	return c.engine.Run(ctx, name, in)
}

// Stop cancels an active run started through Invoke or Run.
func (c *Crew) Stop(runID string) error { return c.engine.Stop(runID) }

// Active lists the IDs of runs started through Invoke or Run that are still
// executing.
func (c *Crew) Active() []string { return c.engine.Active() }
