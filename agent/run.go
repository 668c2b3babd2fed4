package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/assembler"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
	"github.com/hupe1980/agentcrew/observability"
	"github.com/hupe1980/agentcrew/schema"
)

const reformatPrompt = `Your previous answer is not valid: %v
Respond again with only the corrected JSON value, no prose and no code fences.`

// run is the per-execution state of the state machine.
type run struct {
	a         *Agent
	id        string
	ctx       context.Context
	rc        *core.RunContext
	in        core.Input
	streaming bool
	started   time.Time

	state     core.State
	stateSpan trace.Span

	content  core.Content
	bundle   *assembler.Bundle
	warnings []core.Warning
	metrics  core.RunMetrics
}

func newRun(ctx context.Context, a *Agent, runID string, in core.Input, emit func(core.Event) error, streaming bool) *run {
	if in.SessionID == "" && in.Snapshot != nil {
		in.SessionID = in.Snapshot.ID
	}

	if in.SessionID == "" && a.opts.SessionStore != nil && !in.Ephemeral {
		in.SessionID = core.NewID()
	}

	return &run{
		a:         a,
		id:        runID,
		ctx:       ctx,
		rc:        core.NewRunContext(ctx, runID, a.name, in, nil, emit, a.logger),
		in:        in,
		streaming: streaming,
		started:   time.Now(),
	}
}

func (r *run) execute() (*core.RunResult, error) {
	ctx, span := observability.StartSpan(r.ctx, r.a.opts.Tracer, "agent.run",
		"agent", r.a.name, "run_id", r.id, "session_id", r.in.SessionID)
	r.ctx = ctx
	r.rc.Context = ctx

	r.rc.LogInfo("agent.run.started", "session_id", r.in.SessionID, "streaming", r.streaming)
	r.emit(core.NewEvent(r.id, r.a.name, core.EventRunStarted))

	res, err := r.drive()

	r.leaveState(err)
	observability.EndSpan(span, err)

	status := core.RunCompleted
	if err != nil {
		status = core.RunFailed
	}

	r.a.opts.Metrics.RecordRun(r.a.name, string(status), time.Since(r.started))

	if err != nil {
		r.rc.LogWarn("agent.run.failed", "state", r.state, "kind", core.KindOf(err), "error", err.Error())
		return nil, err
	}

	r.rc.LogInfo("agent.run.completed",
		"duration_ms", res.Metrics.Latency.Milliseconds(),
		"model_calls", res.Metrics.ModelCalls,
		"tool_calls", res.Metrics.ToolCalls,
		"warnings", len(res.Warnings),
	)

	return res, nil
}

func (r *run) drive() (*core.RunResult, error) {
	r.enter(core.StateValidatingInput)

	if err := r.validateInput(); err != nil {
		return nil, r.fail(err)
	}

	r.enter(core.StateBuildingContext)

	if err := r.buildContext(); err != nil {
		return nil, r.fail(err)
	}

	final, err := r.toolLoop()
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(core.StateValidatingOutput)

	out, data, err := r.validateOutput(final)
	if err != nil {
		return nil, r.fail(err)
	}

	if r.persistable() {
		r.enter(core.StatePersisting)

		if err := r.persist(out); err != nil {
			return nil, r.fail(err)
		}
	}

	r.enter(core.StateDone)

	return &core.RunResult{
		RunID:      r.id,
		SessionID:  r.in.SessionID,
		Author:     r.a.name,
		Content:    out,
		Data:       data,
		Warnings:   slices.Clone(r.warnings),
		Metrics:    r.finalMetrics(),
		StateDelta: r.rc.StateDelta(),
	}, nil
}

// enter transitions to s, closing the span of the previous state.
func (r *run) enter(s core.State) {
	r.leaveState(nil)

	r.state = s
	if !s.Terminal() {
		_, r.stateSpan = observability.StartSpan(r.ctx, r.a.opts.Tracer, "agent.state."+string(s),
			"agent", r.a.name, "run_id", r.id)
	}

	r.rc.LogDebug("agent.state.changed", "state", s)
	r.emit(core.NewStateEvent(r.id, r.a.name, s))
}

func (r *run) leaveState(err error) {
	if r.stateSpan != nil {
		observability.EndSpan(r.stateSpan, err)
		r.stateSpan = nil
	}
}

func (r *run) emit(ev core.Event) {
	if err := r.rc.Emit(ev); err != nil {
		r.rc.LogDebug("agent.event.dropped", "type", ev.Type, "error", err.Error())
	}
}

func (r *run) warn(w core.Warning) {
	r.warnings = append(r.warnings, w)
	r.rc.LogWarn("agent.run.warning", "kind", w.Kind, "message", w.Message)
	r.emit(core.NewWarningEvent(r.id, r.a.name, w))
}

// fail converts err into the run's terminal error. Cancellation of the run
// context takes precedence over whatever the interrupted state reported.
func (r *run) fail(err error) error {
	kind := core.KindOf(err)
	if r.ctx.Err() != nil {
		kind = core.KindCancelled
		if !errors.Is(err, core.KindCancelled) {
			err = fmt.Errorf("%w: %w", core.KindCancelled, err)
		}
	}

	if kind == "" {
		kind = core.KindModelFailure
	}

	re := &core.RunError{
		Kind:     kind,
		State:    r.state,
		RunID:    r.id,
		Author:   r.a.name,
		Err:      err,
		Warnings: slices.Clone(r.warnings),
	}

	r.leaveState(re)
	r.emit(core.NewStateEvent(r.id, r.a.name, core.StateFailed))

	if r.state != core.StateValidatingInput && r.persistable() {
		r.recordFailure(re)
	}

	return re
}

func (r *run) persistable() bool {
	return r.a.opts.SessionStore != nil && r.in.SessionID != "" && !r.in.Ephemeral && r.in.Snapshot == nil
}

func (r *run) validateInput() error {
	c := r.in.Content.Clone()
	if c.Role == "" {
		c.Role = core.RoleUser
	}

	if s := r.a.opts.InputSchema; s != nil {
		data := r.in.Data
		if data == nil {
			v, err := schema.DecodeJSON(c.Text())
			if err != nil {
				return fmt.Errorf("%w: input is not valid JSON: %w", core.KindInvalidInput, err)
			}
			data = v
		}

		if err := s.Validate(data); err != nil {
			return fmt.Errorf("%w: %w", core.KindInvalidInput, err)
		}
	}

	if len(c.Parts) == 0 && r.in.Data != nil {
		b, err := json.Marshal(r.in.Data)
		if err != nil {
			return fmt.Errorf("%w: encode input data: %w", core.KindInvalidInput, err)
		}
		c = core.NewTextContent(core.RoleUser, string(b))
	}

	c, err := applyGuardrails(r.a.opts.Guardrails, c, false)
	if err != nil {
		return fmt.Errorf("%w: %w", core.KindInvalidInput, err)
	}

	if len(c.Parts) == 0 {
		return fmt.Errorf("%w: input has no content", core.KindInvalidInput)
	}

	r.content = c

	return nil
}

func (r *run) buildContext() error {
	sess, err := r.loadSession()
	if err != nil {
		return err
	}

	r.rc.SetSession(sess)

	var memories []core.MemoryRecord
	if ms := r.a.opts.MemoryStore; ms != nil && r.in.UserID != "" {
		memories, err = ms.List(r.ctx, r.in.UserID)
		if err != nil {
			return fmt.Errorf("%w: list memories: %w", core.KindPersistenceFailure, err)
		}
	}

	instructions, err := r.a.opts.Instruction.Render(r.rc)
	if err != nil {
		return fmt.Errorf("%w: instruction: %w", core.KindInvalidInput, err)
	}

	if s := r.a.opts.OutputSchema; s != nil {
		doc, err := json.Marshal(s.Doc())
		if err != nil {
			return fmt.Errorf("%w: encode output schema: %w", core.KindInvalidOutput, err)
		}
		instructions += "\n\nRespond with a single JSON value conforming to this JSON schema, without any other text:\n" + string(doc)
	}

	b, err := r.a.assembler.Assemble(r.ctx, assembler.Input{
		Session:          sess,
		Memories:         memories,
		Retriever:        r.a.opts.Retriever,
		Instructions:     instructions,
		Culture:          r.a.opts.Culture,
		Content:          r.content,
		IncludeHistory:   r.a.opts.IncludeHistory,
		NumHistoryRuns:   r.a.opts.NumHistoryRuns,
		SearchKnowledge:  r.a.opts.SearchKnowledge,
		KnowledgeTopK:    r.a.opts.KnowledgeTopK,
		KnowledgeFilters: r.a.opts.KnowledgeFilters,
		Compression:      r.a.opts.Compression,
		IncludeSummary:   r.a.opts.IncludeSummary,
	})
	if err != nil {
		return fmt.Errorf("%w: assemble context: %w", core.KindCancelled, err)
	}

	for _, w := range b.Warnings {
		r.warn(w)
	}

	r.bundle = b

	r.rc.LogDebug("agent.context.built",
		"history", len(b.History),
		"passages", len(b.Passages),
		"memories", len(b.Memories),
		"compressed_runs", b.CompressedRuns,
	)

	return nil
}

func (r *run) loadSession() (*core.Session, error) {
	if r.in.Snapshot != nil {
		return r.in.Snapshot.Clone(), nil
	}

	store := r.a.opts.SessionStore
	if store == nil || r.in.SessionID == "" {
		return nil, nil
	}

	sess, err := store.Load(r.ctx, r.in.UserID, r.in.SessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		return core.NewSession(r.in.SessionID, r.in.UserID), nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", core.KindPersistenceFailure, err)
	}

	return sess, nil
}

// toolLoop alternates model calls and tool batches until the model answers
// without requesting tools.
func (r *run) toolLoop() (core.Content, error) {
	contents := r.bundle.Messages()
	limiter := core.NewIterationLimiter(r.a.opts.MaxToolIterations)

	for {
		r.enter(core.StateInvokingModel)

		resp, err := r.callModel(contents, true)
		if err != nil {
			return core.Content{}, err
		}

		calls := resp.Content.FunctionCalls()
		if len(calls) == 0 {
			return resp.Content, nil
		}

		if err := limiter.Increment(); err != nil {
			return core.Content{}, fmt.Errorf("%w: %w", core.KindToolLoopExceeded, err)
		}

		r.enter(core.StateExecutingTools)

		contents = append(contents, resp.Content)

		batch, err := r.a.executor.Execute(r.rc, calls)
		if err != nil {
			return core.Content{}, err
		}

		r.metrics.ToolCalls += len(calls)

		for _, w := range batch.Warnings {
			r.warn(w)
		}

		contents = append(contents, batch.Content())
	}
}

func (r *run) callModel(contents []core.Content, withTools bool) (*model.Response, error) {
	info := r.a.model.Info()

	if lim := r.a.opts.RateLimiter; lim != nil {
		if err := lim.Wait(r.ctx); err != nil {
			if r.ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", core.KindCancelled, r.ctx.Err())
			}
			return nil, fmt.Errorf("%w: rate limiter: %w", core.KindModelFailure, err)
		}
	}

	callCtx, cancel := r.ctx, context.CancelFunc(func() {})
	if t := r.a.opts.ModelTimeout; t > 0 {
		callCtx, cancel = context.WithTimeout(r.ctx, t)
	}
	defer cancel()

	callCtx, span := observability.StartSpan(callCtx, r.a.opts.Tracer, "agent.model.generate",
		"model", info.Name, "provider", info.Provider)

	req := model.Request{
		Instructions: r.bundle.Instructions,
		Contents:     contents,
		Stream:       r.streaming,
		Params:       maps.Clone(r.a.opts.ModelParams),
	}

	if withTools && r.a.registry.Len() > 0 {
		req.Tools = r.a.registry.Definitions()
	}

	start := time.Now()

	resp, err := model.Collect(callCtx, r.a.model, req, func(p model.Response) error {
		if text := p.Content.Text(); text != "" {
			r.emit(core.NewDeltaEvent(r.id, r.a.name, text))
		}
		return nil
	})

	observability.EndSpan(span, err)

	r.metrics.ModelCalls++
	r.a.opts.Metrics.RecordModelCall(r.a.name, info.Provider)

	if err != nil {
		if r.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", core.KindCancelled, r.ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %w", core.KindModelFailure, info.Name, err)
	}

	if u := resp.Usage; u != nil {
		r.metrics.InputTokens += u.PromptTokens
		r.metrics.OutputTokens += u.CompletionTokens
	}

	if resp.Content.Role == "" {
		resp.Content.Role = core.RoleAssistant
	}

	r.rc.LogDebug("agent.model.responded",
		"model", info.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"function_calls", len(resp.Content.FunctionCalls()),
		"finish_reason", resp.FinishReason,
	)

	ev := core.NewEvent(r.id, r.a.name, core.EventModelResponse)
	c := resp.Content.Clone()
	ev.Content = &c
	r.emit(ev)

	return resp, nil
}

// validateOutput enforces the output schema, retrying with a reformat
// request, then applies output guardrails.
func (r *run) validateOutput(final core.Content) (core.Content, any, error) {
	s := r.a.opts.OutputSchema

	var data any

	if s != nil {
		v, err := s.ValidateJSON(final.Text())

		for attempt := 0; err != nil && attempt < r.a.opts.OutputRetries; attempt++ {
			r.rc.LogWarn("agent.output.invalid", "attempt", attempt+1, "error", err.Error())

			contents := append(r.bundle.Messages(), final, core.NewTextContent(core.RoleUser, fmt.Sprintf(reformatPrompt, err)))

			resp, cerr := r.callModel(contents, false)
			if cerr != nil {
				return core.Content{}, nil, cerr
			}

			final = resp.Content
			v, err = s.ValidateJSON(final.Text())
		}

		if err != nil {
			return core.Content{}, nil, fmt.Errorf("%w: %w", core.KindInvalidOutput, err)
		}

		data = v
	}

	out, err := applyGuardrails(r.a.opts.Guardrails, final, true)
	if err != nil {
		return core.Content{}, nil, fmt.Errorf("%w: %w", core.KindInvalidOutput, err)
	}

	if s != nil && out.Text() != final.Text() {
		v, err := s.ValidateJSON(out.Text())
		if err != nil {
			return core.Content{}, nil, fmt.Errorf("%w: rewritten output: %w", core.KindInvalidOutput, err)
		}
		data = v
	}

	return out, data, nil
}

func (r *run) finalMetrics() core.RunMetrics {
	m := r.metrics
	m.Latency = time.Since(r.started)
	return m
}
