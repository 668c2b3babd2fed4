package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentcrew/core"
)

// Call outcomes reported to ExecutorOptions.OnFinished.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
	OutcomeTimeout = "timeout"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrently running calls. <1 means unbounded.
	MaxParallel int
	// ToolTimeout bounds a single call. Zero disables the limit.
	ToolTimeout time.Duration
	// RequireConfirmation gates every call, not only Confirmable tools.
	RequireConfirmation bool
	// Approver decides gated calls. Without one gated calls are denied.
	Approver Approver
	// ApprovalTimeout bounds the wait for a decision. Zero disables the limit.
	ApprovalTimeout time.Duration
	// Tracer opens a span per call.
	Tracer trace.Tracer
	// OnFinished observes every finished call.
	OnFinished func(tool, outcome string, d time.Duration)
}

// Executor runs a batch of function calls requested by one model turn.
//
// All names are resolved before anything runs. Gated calls are confirmed
// in request order, then approved calls execute concurrently. Exactly one
// response is produced per call, in request order.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
}

// NewExecutor creates an Executor dispatching through registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}

	return &Executor{registry: registry, opts: opts}
}

// BatchResult is the outcome of Execute.
type BatchResult struct {
	Responses []core.FunctionResponse
	Warnings  []core.Warning
}

// Content packs the responses into one tool-role message.
func (b *BatchResult) Content() core.Content {
	parts := make([]core.Part, 0, len(b.Responses))
	for _, r := range b.Responses {
		parts = append(parts, core.FunctionResponsePart{FunctionResponse: r})
	}

	return core.Content{Role: core.RoleTool, Parts: parts}
}

// Execute runs calls on behalf of runCtx. It fails with UnknownTool when any
// call names an unregistered tool, and with Cancelled when runCtx ends
// before the batch completes.
func (e *Executor) Execute(runCtx *core.RunContext, calls []core.FunctionCall) (*BatchResult, error) {
	n := len(calls)
	if n == 0 {
		return &BatchResult{}, nil
	}

	tools := make([]Tool, n)
	for i, fc := range calls {
		t, err := e.registry.Resolve(fc.Name)
		if err != nil {
			return nil, err
		}
		tools[i] = t
	}

	result := &BatchResult{Responses: make([]core.FunctionResponse, n)}
	approved := make([]bool, n)

	for i, fc := range calls {
		if !e.opts.RequireConfirmation && !RequiresConfirmation(tools[i]) {
			approved[i] = true
			continue
		}

		decision, err := e.confirm(runCtx, fc)
		if err != nil && runCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", core.KindCancelled, runCtx.Err())
		}

		if err != nil || !decision.Approved {
			reason := decision.Reason
			if err != nil {
				reason = err.Error()
			}
			if reason == "" {
				reason = "not approved"
			}

			result.Responses[i] = ErrorResponse(fc, core.KindToolDenied, reason)
			result.Warnings = append(result.Warnings, core.Warning{
				Kind:    core.KindToolDenied,
				Message: fmt.Sprintf("%s: %s", fc.Name, reason),
				Source:  fc.Name,
			})

			e.finished(runCtx, fc, result.Responses[i], OutcomeDenied, 0)

			continue
		}

		approved[i] = true
	}

	maxPar := e.opts.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	batchStart := time.Now()

	g, gctx := errgroup.WithContext(runCtx.Context)
	g.SetLimit(maxPar)

	for i, fc := range calls {
		if !approved[i] {
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			result.Responses[i] = e.run(runCtx, tools[i], fc)

			return nil
		})
	}

	_ = g.Wait()

	if err := runCtx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.KindCancelled, err)
	}

	for i, resp := range result.Responses {
		if approved[i] && resp.Error != "" {
			result.Warnings = append(result.Warnings, core.Warning{
				Kind:    core.KindToolFailure,
				Message: fmt.Sprintf("%s: %s", calls[i].Name, resp.Error),
				Source:  calls[i].Name,
			})
		}
	}

	runCtx.LogDebug(
		"agent.tools.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return result, nil
}

func (e *Executor) confirm(runCtx *core.RunContext, fc core.FunctionCall) (Decision, error) {
	ev := core.NewEvent(runCtx.RunID, runCtx.Author, core.EventToolConfirmation)
	call := fc
	ev.FunctionCall = &call

	if err := runCtx.Emit(ev); err != nil {
		runCtx.LogWarn("agent.tool.emit.error", "function", fc.Name, "error", err.Error())
	}

	if e.opts.Approver == nil {
		return Deny("no approver configured"), nil
	}

	ctx := runCtx.Context
	if e.opts.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ApprovalTimeout)
		defer cancel()
	}

	decision, err := e.opts.Approver.Approve(ctx, ApprovalRequest{
		RunID:       runCtx.RunID,
		SessionID:   runCtx.SessionID,
		UserID:      runCtx.UserID,
		Agent:       runCtx.Author,
		Call:        fc,
		RequestedAt: time.Now().UTC(),
	})
	if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() == nil {
		return Deny("approval timed out"), nil
	}

	return decision, err
}

func (e *Executor) run(runCtx *core.RunContext, t Tool, fc core.FunctionCall) core.FunctionResponse {
	ctx, span := e.opts.Tracer.Start(runCtx.Context, "tool "+fc.Name, trace.WithAttributes(
		attribute.String("tool.name", fc.Name),
		attribute.String("tool.call_id", fc.ID),
	))
	defer span.End()

	if e.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
	}

	started := core.NewEvent(runCtx.RunID, runCtx.Author, core.EventToolStarted)
	call := fc
	started.FunctionCall = &call

	if err := runCtx.Emit(started); err != nil {
		runCtx.LogWarn("agent.tool.emit.error", "function", fc.Name, "error", err.Error())
	}

	toolCtx := core.NewToolContext(ctx, runCtx, fc)
	start := time.Now()

	done := make(chan core.FunctionResponse, 1)
	go func() { done <- e.registry.Invoke(toolCtx, t, fc) }()

	var (
		resp    core.FunctionResponse
		outcome = OutcomeOK
	)

	select {
	case resp = <-done:
		if resp.Error != "" {
			outcome = OutcomeError
		}
	case <-ctx.Done():
		outcome = OutcomeError
		msg := ctx.Err().Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
			msg = fmt.Sprintf("[%s] tool exceeded %s", CodeTimeout, e.opts.ToolTimeout)
		}
		resp = ErrorResponse(fc, core.KindToolFailure, msg)
	}

	if outcome != OutcomeOK {
		toolCtx.Discard()
		span.SetStatus(codes.Error, resp.Error)
	} else {
		toolCtx.Commit()
	}

	dur := time.Since(start)

	runCtx.LogInfo(
		"agent.tool.executed",
		"function", fc.Name,
		"function_call_id", fc.ID,
		"duration_ms", dur.Milliseconds(),
		"outcome", outcome,
	)

	e.finished(runCtx, fc, resp, outcome, dur)

	return resp
}

func (e *Executor) finished(runCtx *core.RunContext, fc core.FunctionCall, resp core.FunctionResponse, outcome string, d time.Duration) {
	ev := core.NewEvent(runCtx.RunID, runCtx.Author, core.EventToolFinished)
	r := resp
	ev.FunctionResponse = &r
	ev.Metadata = map[string]string{"outcome": outcome}

	if err := runCtx.Emit(ev); err != nil {
		runCtx.LogWarn("agent.tool.emit.error", "function", fc.Name, "error", err.Error())
	}

	if e.opts.OnFinished != nil {
		e.opts.OnFinished(fc.Name, outcome, d)
	}
}
