package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentcrew/assembler"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/observability"
	"github.com/hupe1980/agentcrew/session"
	"github.com/hupe1980/agentcrew/tool"
)

// Agent drives one model through the run state machine. It is immutable
// after New and safe for concurrent runs.
type Agent struct {
	name      string
	model     model.Model
	opts      Options
	registry  *tool.Registry
	executor  *tool.Executor
	assembler *assembler.Assembler
	logger    logging.Logger
}

// New creates an agent named name driven by m.
func New(name string, m model.Model, optFns ...func(o *Options)) (*Agent, error) {
	if name == "" {
		return nil, errors.New("agent name is required")
	}

	if m == nil {
		return nil, fmt.Errorf("agent %s: model is required", name)
	}

	opts := Options{
		Instruction:        NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", name)),
		MaxToolIterations:  DefaultMaxToolIterations,
		MaxConcurrentTools: DefaultMaxConcurrentTools,
		KnowledgeTopK:      DefaultKnowledgeTopK,
		OutputRetries:      DefaultOutputRetries,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxToolIterations <= 0 {
		return nil, fmt.Errorf("agent %s: MaxToolIterations must be positive", name)
	}

	if opts.OutputRetries < 0 || opts.OutputRetries > 1 {
		return nil, fmt.Errorf("agent %s: OutputRetries must be 0 or 1", name)
	}

	if opts.EnableMemory && opts.MemoryManager == nil {
		return nil, fmt.Errorf("agent %s: EnableMemory requires a MemoryManager", name)
	}

	if opts.Locker == nil {
		opts.Locker = session.DefaultLocker()
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer(nil)
	}

	if opts.MemoryStore == nil && opts.MemoryManager != nil {
		opts.MemoryStore = opts.MemoryManager.Store()
	}

	logger := logging.With(logging.OrNoOp(opts.Logger), "agent", name)

	registry, err := tool.NewRegistry(opts.Tools...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	a := &Agent{
		name:     name,
		model:    m,
		opts:     opts,
		registry: registry,
		logger:   logger,
		assembler: assembler.New(func(o *assembler.Options) {
			o.RetrievalTimeout = opts.RetrievalTimeout
			o.Logger = logger
		}),
	}

	a.executor = tool.NewExecutor(registry, func(o *tool.ExecutorOptions) {
		o.MaxParallel = opts.MaxConcurrentTools
		o.ToolTimeout = opts.ToolTimeout
		o.RequireConfirmation = opts.RequireToolConfirmation
		o.Approver = opts.Approver
		o.ApprovalTimeout = opts.ApprovalTimeout
		o.Tracer = opts.Tracer
		o.OnFinished = func(toolName, outcome string, d time.Duration) {
			opts.Metrics.RecordToolCall(toolName, outcome, d)
		}
	})

	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Description returns what the agent is meant for.
func (a *Agent) Description() string { return a.opts.Description }

// Model returns the model driving the agent.
func (a *Agent) Model() model.Model { return a.model }

// Tools lists the registered tool names in sorted order.
func (a *Agent) Tools() []string { return a.registry.Names() }

// Run executes one run and blocks until it finishes. A failed run returns a
// *core.RunError and no result.
func (a *Agent) Run(ctx context.Context, in core.Input) (*core.RunResult, error) {
	return a.start(ctx, in, false).Wait()
}

// RunAsync starts a run and returns its stream. The caller must either
// drain Events or call Wait.
func (a *Agent) RunAsync(ctx context.Context, in core.Input) *engine.Stream {
	return a.start(ctx, in, false)
}

// Stream starts a run with model streaming enabled and returns its events.
// Partial model output arrives as content.delta events; the last event is
// always run.completed or run.failed.
func (a *Agent) Stream(ctx context.Context, in core.Input) <-chan core.Event {
	return a.start(ctx, in, true).Events()
}

func (a *Agent) start(ctx context.Context, in core.Input, streaming bool) *engine.Stream {
	runID := core.NewID()

	return engine.Start(ctx, runID, a.name, func(ctx context.Context, emit func(core.Event) error) (*core.RunResult, error) {
		r := newRun(ctx, a, runID, in, emit, streaming)
		return r.execute()
	})
}
