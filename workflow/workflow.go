package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/observability"
	"github.com/hupe1980/agentcrew/session"
)

// Options configures a Workflow.
type Options struct {
	Description string

	// SessionStore receives the final state and the workflow run record.
	SessionStore core.SessionStore
	// Locker serializes session commits. Defaults to session.DefaultLocker().
	Locker *session.Locker

	// Checkpoints stores per-node progress. Defaults to an in-memory store.
	Checkpoints CheckpointStore

	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Workflow is a validated graph of steps executed in order with
// checkpointing after every node.
type Workflow struct {
	name   string
	steps  []Step
	opts   Options
	logger logging.Logger
}

// New validates steps and creates a workflow. Composition errors are
// *core.WorkflowError of kind InvalidWorkflow or StateConflict.
func New(name string, steps []Step, optFns ...func(o *Options)) (*Workflow, error) {
	if name == "" {
		return nil, &core.WorkflowError{Kind: core.KindInvalidWorkflow, Err: errors.New("workflow name is required")}
	}

	if err := validate(steps); err != nil {
		return nil, err
	}

	if err := checkConflicts(steps); err != nil {
		return nil, err
	}

	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Locker == nil {
		opts.Locker = session.DefaultLocker()
	}

	if opts.Checkpoints == nil {
		opts.Checkpoints = NewInMemoryCheckpointStore()
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer(nil)
	}

	return &Workflow{
		name:   name,
		steps:  steps,
		opts:   opts,
		logger: logging.With(logging.OrNoOp(opts.Logger), "workflow", name),
	}, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Description returns what the workflow is meant for.
func (w *Workflow) Description() string { return w.opts.Description }

// Checkpoints returns the checkpoint store in use.
func (w *Workflow) Checkpoints() CheckpointStore { return w.opts.Checkpoints }

// Run executes the workflow and blocks until it completes.
func (w *Workflow) Run(ctx context.Context, in core.Input) (*core.RunResult, error) {
	return w.RunAsync(ctx, in).Wait()
}

// RunAsync starts the workflow and returns its stream. The stream's run ID
// is also the checkpoint ID.
func (w *Workflow) RunAsync(ctx context.Context, in core.Input) *engine.Stream {
	runID := core.NewID()

	return engine.Start(ctx, runID, w.name, func(ctx context.Context, emit func(core.Event) error) (*core.RunResult, error) {
		return newExecution(ctx, w, runID, in, emit).execute(nil)
	})
}

// Stream starts the workflow and returns its events.
func (w *Workflow) Stream(ctx context.Context, in core.Input) <-chan core.Event {
	return w.RunAsync(ctx, in).Events()
}

// Resume continues a run from its checkpoint and blocks until it completes.
func (w *Workflow) Resume(ctx context.Context, runID string) (*core.RunResult, error) {
	return w.ResumeAsync(ctx, runID).Wait()
}

// ResumeAsync continues a run from its checkpoint. The run restarts from
// the recorded initial state; completed nodes are skipped and replay their
// recorded output and delta. Completed runs cannot be resumed.
func (w *Workflow) ResumeAsync(ctx context.Context, runID string) *engine.Stream {
	return engine.Start(ctx, runID, w.name, func(ctx context.Context, emit func(core.Event) error) (*core.RunResult, error) {
		cp, err := w.opts.Checkpoints.Load(ctx, runID)
		if err != nil {
			return nil, &core.RunError{
				Kind:   core.KindInvalidInput,
				State:  core.StateStepping,
				RunID:  runID,
				Author: w.name,
				Err:    fmt.Errorf("load checkpoint: %w", err),
			}
		}

		if cp.Workflow != w.name {
			return nil, &core.RunError{
				Kind:   core.KindInvalidInput,
				State:  core.StateStepping,
				RunID:  runID,
				Author: w.name,
				Err:    fmt.Errorf("checkpoint belongs to workflow %q", cp.Workflow),
			}
		}

		if !cp.Resumable() {
			return nil, &core.RunError{
				Kind:   core.KindInvalidInput,
				State:  core.StateStepping,
				RunID:  runID,
				Author: w.name,
				Err:    errors.New("run already completed"),
			}
		}

		in := core.Input{SessionID: cp.SessionID, UserID: cp.UserID, Content: cp.Input, Ephemeral: cp.Ephemeral}

		return newExecution(ctx, w, runID, in, emit).execute(cp)
	})
}
