package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/observability"
)

const failureRecordTimeout = 5 * time.Second

// Step outcomes recorded in metrics.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// execution is the per-run state of a workflow.
type execution struct {
	w       *Workflow
	id      string
	ctx     context.Context
	in      core.Input
	emitFn  func(core.Event) error
	logger  logging.Logger
	started time.Time

	sess   *core.Session
	replay map[string]StepRecord

	cpMu sync.Mutex
	cp   *Checkpoint

	mu       sync.Mutex
	warnings []core.Warning
	metrics  core.RunMetrics
}

func newExecution(ctx context.Context, w *Workflow, runID string, in core.Input, emit func(core.Event) error) *execution {
	if in.SessionID == "" && w.opts.SessionStore != nil && !in.Ephemeral && in.Snapshot == nil {
		in.SessionID = core.NewID()
	}

	return &execution{
		w:       w,
		id:      runID,
		ctx:     ctx,
		in:      in,
		emitFn:  emit,
		logger:  logging.With(w.logger, "run_id", runID, "session_id", in.SessionID),
		started: time.Now(),
	}
}

// execute drives the run. A non-nil cp resumes from that checkpoint.
func (e *execution) execute(cp *Checkpoint) (*core.RunResult, error) {
	ctx, span := observability.StartSpan(e.ctx, e.w.opts.Tracer, "workflow.run",
		"workflow", e.w.name, "run_id", e.id, "session_id", e.in.SessionID)
	e.ctx = ctx

	e.logger.Info("workflow.run.started", "resumed", cp != nil)
	e.emit(core.NewEvent(e.id, e.w.name, core.EventRunStarted))

	res, err := e.drive(cp)

	observability.EndSpan(span, err)

	status := core.RunCompleted
	if err != nil {
		status = core.RunFailed
	}

	e.w.opts.Metrics.RecordRun(e.w.name, string(status), time.Since(e.started))

	if err != nil {
		e.logger.Warn("workflow.run.failed", "kind", core.KindOf(err), "error", err.Error())
		return nil, err
	}

	e.logger.Info("workflow.run.completed", "duration_ms", res.Metrics.Latency.Milliseconds(), "steps", len(e.cp.Order))

	return res, nil
}

func (e *execution) drive(resumed *Checkpoint) (*core.RunResult, error) {
	e.emit(core.NewStateEvent(e.id, e.w.name, core.StateStepping))

	if err := e.loadSession(); err != nil {
		return nil, e.fail(err)
	}

	now := time.Now().UTC()

	if resumed != nil {
		e.cp = resumed
		e.replay = maps.Clone(resumed.Completed)
		e.cp.Status = CheckpointRunning
		e.cp.Order = nil
		e.cp.Error, e.cp.ErrorKind = "", ""
		e.cp.State = maps.Clone(resumed.InitialState)
	} else {
		initial := map[string]any{}
		if e.sess != nil {
			maps.Copy(initial, e.sess.State)
		}

		if data, ok := e.in.Data.(map[string]any); ok {
			maps.Copy(initial, data)
		}

		e.cp = &Checkpoint{
			RunID:        e.id,
			Workflow:     e.w.name,
			SessionID:    e.in.SessionID,
			UserID:       e.in.UserID,
			Ephemeral:    e.in.Ephemeral,
			Input:        e.in.Content.Clone(),
			InitialState: initial,
			State:        maps.Clone(initial),
			Completed:    map[string]StepRecord{},
			CreatedAt:    now,
		}
	}

	if e.cp.Completed == nil {
		e.cp.Completed = map[string]StepRecord{}
	}

	if err := e.saveCheckpoint(e.ctx); err != nil {
		return nil, e.fail(err)
	}

	initial := maps.Clone(e.cp.InitialState)
	if initial == nil {
		initial = map[string]any{}
	}

	out, delta, err := e.runSeq(e.ctx, "", e.w.steps, initial, nil)
	if err != nil {
		return nil, e.fail(err)
	}

	final := maps.Clone(initial)
	maps.Copy(final, delta)

	content := core.NewTextContent(core.RoleAssistant, textOf(out))

	// Complete the checkpoint before the session commit so a failed save
	// leaves the session untouched.
	e.cpMu.Lock()
	e.cp.Status = CheckpointCompleted
	e.cp.State = final
	e.cpMu.Unlock()

	if err := e.saveCheckpoint(e.ctx); err != nil {
		return nil, e.fail(err)
	}

	if e.persistable() {
		if err := e.persistWith(e.ctx, core.RunCompleted, &content, delta, nil); err != nil {
			return nil, e.fail(fmt.Errorf("%w: %w", core.KindPersistenceFailure, err))
		}
	}

	e.emit(core.NewStateEvent(e.id, e.w.name, core.StateDone))

	res := &core.RunResult{
		RunID:      e.id,
		SessionID:  e.in.SessionID,
		Author:     e.w.name,
		Content:    content,
		Warnings:   e.warningsSnapshot(),
		Metrics:    e.finalMetrics(),
		StateDelta: delta,
	}

	if _, isText := out.(string); !isText {
		res.Data = out
	}

	return res, nil
}

func (e *execution) loadSession() error {
	if e.in.Snapshot != nil {
		e.sess = e.in.Snapshot
		return nil
	}

	store := e.w.opts.SessionStore
	if store == nil || e.in.SessionID == "" {
		return nil
	}

	sess, err := store.Load(e.ctx, e.in.UserID, e.in.SessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		e.sess = core.NewSession(e.in.SessionID, e.in.UserID)
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: load session: %w", core.KindPersistenceFailure, err)
	}

	e.sess = sess

	return nil
}

// runSeq runs steps in order against state. It returns the last output
// (prev when steps is empty) and the aggregate delta.
func (e *execution) runSeq(ctx context.Context, prefix string, steps []Step, state map[string]any, prev any) (any, map[string]any, error) {
	cur := maps.Clone(state)
	agg := map[string]any{}
	out := prev

	for _, s := range steps {
		o, d, err := e.runNode(ctx, join(prefix, s.stepName()), s, cur, out)
		if err != nil {
			return nil, nil, err
		}

		maps.Copy(cur, d)
		maps.Copy(agg, d)
		out = o
	}

	return out, agg, nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (e *execution) runNode(ctx context.Context, path string, s Step, state map[string]any, prev any) (any, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.KindCancelled, err)
	}

	kind := s.stepKind()

	if rec, ok := e.replay[path]; ok {
		return e.skip(ctx, path, rec, state)
	}

	ev := core.NewEvent(e.id, e.w.name, core.EventStepStarted)
	ev.Step = path
	ev.Metadata = map[string]string{"kind": kind}
	e.emit(ev)

	ctx, span := observability.StartSpan(ctx, e.w.opts.Tracer, "workflow.step",
		"workflow", e.w.name, "run_id", e.id, "step", path, "kind", kind)

	in := StepInput{
		RunID:     e.id,
		SessionID: e.in.SessionID,
		UserID:    e.in.UserID,
		Input:     e.in.Content,
		State:     maps.Clone(state),
		Previous:  prev,
	}

	meta := map[string]string{"kind": kind}

	var (
		out   any
		delta map[string]any
		err   error
	)

	switch st := s.(type) {
	case *FunctionStep:
		out, delta, err = e.runFunction(ctx, path, st, in)
	case *AgentStep:
		out, delta, err = e.runRunnable(ctx, path, st.Agent, st.Input, st.OutputKey, in)
	case *TeamStep:
		out, delta, err = e.runRunnable(ctx, path, st.Team, st.Input, st.OutputKey, in)
	case *ConditionStep:
		branch, label := st.Else, "else"
		if st.If(in) {
			branch, label = st.Then, "then"
		}
		meta["branch"] = label
		out, delta, err = e.runSeq(ctx, path, branch, state, prev)
	case *RouterStep:
		out, delta, err = e.runRouter(ctx, path, st, in, meta)
	case *LoopStep:
		out, delta, err = e.runLoop(ctx, path, st, in, meta)
	case *ParallelStep:
		out, delta, err = e.runParallel(ctx, path, st, state, prev)
	}

	observability.EndSpan(span, err)

	if err != nil {
		e.w.opts.Metrics.RecordWorkflowStep(e.w.name, kind, OutcomeFailed)
		e.logger.Warn("workflow.step.failed", "step", path, "kind", kind, "error", err.Error())
		return nil, nil, err
	}

	if delta == nil {
		delta = map[string]any{}
	}

	after := maps.Clone(state)
	maps.Copy(after, delta)

	if err := e.record(ctx, path, StepRecord{Kind: kind, Output: out, Delta: delta}, after); err != nil {
		return nil, nil, err
	}

	e.w.opts.Metrics.RecordWorkflowStep(e.w.name, kind, OutcomeOK)
	e.logger.Debug("workflow.step.completed", "step", path, "kind", kind, "delta_keys", len(delta))

	done := core.NewEvent(e.id, e.w.name, core.EventStepCompleted)
	done.Step = path
	done.Metadata = meta
	e.emit(done)

	return out, delta, nil
}

// skip replays a node completed by an earlier attempt.
func (e *execution) skip(ctx context.Context, path string, rec StepRecord, state map[string]any) (any, map[string]any, error) {
	after := maps.Clone(state)
	maps.Copy(after, rec.Delta)

	if err := e.record(ctx, path, rec, after); err != nil {
		return nil, nil, err
	}

	e.w.opts.Metrics.RecordWorkflowStep(e.w.name, rec.Kind, OutcomeSkipped)
	e.logger.Debug("workflow.step.skipped", "step", path, "kind", rec.Kind)

	ev := core.NewEvent(e.id, e.w.name, core.EventStepSkipped)
	ev.Step = path
	ev.Metadata = map[string]string{"kind": rec.Kind}
	e.emit(ev)

	delta := rec.Delta
	if delta == nil {
		delta = map[string]any{}
	}

	return rec.Output, delta, nil
}

func (e *execution) runFunction(ctx context.Context, path string, st *FunctionStep, in StepInput) (any, map[string]any, error) {
	res, err := st.Fn(ctx, in)
	if err != nil {
		return nil, nil, stepError(path, err)
	}
	return res.Output, maps.Clone(res.Delta), nil
}

// runRunnable runs an agent or team against a snapshot of the workflow
// session carrying the current workflow state.
func (e *execution) runRunnable(ctx context.Context, path string, r engine.Runnable, input func(StepInput) string, outputKey string, in StepInput) (any, map[string]any, error) {
	prompt := in.PreviousText()
	if input != nil {
		prompt = input(in)
	}

	res, err := engine.Forward(r.RunAsync(ctx, core.Input{
		SessionID: e.in.SessionID,
		UserID:    e.in.UserID,
		Content:   core.NewTextContent(core.RoleUser, prompt),
		Snapshot:  e.snapshot(in.State),
	}), e.emitFn)
	if err != nil {
		return nil, nil, stepError(path, err)
	}

	e.addMetrics(res.Metrics)

	for _, w := range res.Warnings {
		e.warn(w)
	}

	var out any = res.Text()
	if res.Data != nil {
		out = res.Data
	}

	delta := maps.Clone(res.StateDelta)
	if delta == nil {
		delta = map[string]any{}
	}

	if outputKey != "" {
		delta[outputKey] = out
	}

	return out, delta, nil
}

func (e *execution) runRouter(ctx context.Context, path string, st *RouterStep, in StepInput, meta map[string]string) (any, map[string]any, error) {
	key, err := st.Route(in)
	if err != nil {
		return nil, nil, stepError(path, err)
	}

	branch, ok := st.Routes[key]
	if !ok {
		branch = st.Default
		key = "default"
	}

	meta["route"] = key

	return e.runSeq(ctx, path, branch, in.State, in.Previous)
}

func (e *execution) runLoop(ctx context.Context, path string, st *LoopStep, in StepInput, meta map[string]string) (any, map[string]any, error) {
	cur := maps.Clone(in.State)
	agg := map[string]any{}
	out := in.Previous

	iterations := 0

	for i := range st.MaxIterations {
		o, d, err := e.runSeq(ctx, path+"#"+strconv.Itoa(i), st.Body, cur, out)
		if err != nil {
			return nil, nil, err
		}

		iterations++

		maps.Copy(cur, d)
		maps.Copy(agg, d)
		out = o

		if st.Until != nil && st.Until(StepInput{
			RunID:     in.RunID,
			SessionID: in.SessionID,
			UserID:    in.UserID,
			Input:     in.Input,
			State:     maps.Clone(cur),
			Previous:  out,
		}) {
			break
		}
	}

	meta["iterations"] = strconv.Itoa(iterations)

	return out, agg, nil
}

// runParallel runs every branch against the same state snapshot and merges
// the branch deltas once all branches are done.
func (e *execution) runParallel(ctx context.Context, path string, st *ParallelStep, state map[string]any, prev any) (any, map[string]any, error) {
	outs := make([]any, len(st.Branches))
	deltas := make([]map[string]any, len(st.Branches))

	g, gctx := errgroup.WithContext(ctx)

	for i, branch := range st.Branches {
		g.Go(func() error {
			o, d, err := e.runSeq(gctx, path, branch, state, prev)
			if err != nil {
				return err
			}

			outs[i], deltas[i] = o, d

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !errors.Is(err, core.KindCancelled) {
			return nil, nil, fmt.Errorf("%w: %w", core.KindCancelled, err)
		}
		return nil, nil, err
	}

	merged := map[string]any{}
	owner := map[string]int{}

	for i, d := range deltas {
		for _, k := range slices.Sorted(maps.Keys(d)) {
			if j, ok := owner[k]; ok {
				return nil, nil, &core.WorkflowError{
					Kind: core.KindStateConflict,
					Step: path,
					Err:  fmt.Errorf("branches %d and %d both wrote %q", j, i, k),
				}
			}

			owner[k] = i
			merged[k] = d[k]
		}
	}

	return outs, merged, nil
}

// stepError attributes err to the node at path. Errors without a kind of
// their own become StepFailure.
func stepError(path string, err error) error {
	var we *core.WorkflowError
	if errors.As(err, &we) {
		return err
	}

	kind := core.KindOf(err)
	if kind == "" {
		kind = core.KindStepFailure
	}

	return &core.WorkflowError{Kind: kind, Step: path, Err: err}
}

func (e *execution) snapshot(state map[string]any) *core.Session {
	var s *core.Session
	if e.sess != nil {
		s = e.sess.Clone()
	} else {
		s = core.NewSession(e.in.SessionID, e.in.UserID)
	}

	s.State = maps.Clone(state)

	return s
}

// record stores a completed node in the checkpoint and saves it. Save
// failures are fatal.
func (e *execution) record(ctx context.Context, path string, rec StepRecord, state map[string]any) error {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	e.cp.Completed[path] = rec
	e.cp.Order = append(e.cp.Order, path)
	e.cp.Current = path
	e.cp.State = state
	e.cp.UpdatedAt = time.Now().UTC()

	if err := e.w.opts.Checkpoints.Save(ctx, e.cp); err != nil {
		return &core.WorkflowError{
			Kind: core.KindPersistenceFailure,
			Step: path,
			Err:  fmt.Errorf("save checkpoint: %w", err),
		}
	}

	return nil
}

func (e *execution) saveCheckpoint(ctx context.Context) error {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()

	e.cp.UpdatedAt = time.Now().UTC()

	if err := e.w.opts.Checkpoints.Save(ctx, e.cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %w", core.KindPersistenceFailure, err)
	}

	return nil
}

func (e *execution) emit(ev core.Event) {
	if err := e.emitFn(ev); err != nil {
		e.logger.Debug("workflow.event.dropped", "type", ev.Type, "error", err.Error())
	}
}

func (e *execution) warn(w core.Warning) {
	e.mu.Lock()
	e.warnings = append(e.warnings, w)
	e.mu.Unlock()
}

func (e *execution) warningsSnapshot() []core.Warning {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.warnings)
}

func (e *execution) addMetrics(m core.RunMetrics) {
	e.mu.Lock()
	e.metrics.Add(m)
	e.mu.Unlock()
}

func (e *execution) finalMetrics() core.RunMetrics {
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()

	m.Latency = time.Since(e.started)

	return m
}

func (e *execution) fail(err error) error {
	kind := core.KindOf(err)
	if e.ctx.Err() != nil {
		kind = core.KindCancelled
		if !errors.Is(err, core.KindCancelled) {
			err = fmt.Errorf("%w: %w", core.KindCancelled, err)
		}
	}

	if kind == "" {
		kind = core.KindStepFailure
	}

	re := &core.RunError{
		Kind:     kind,
		State:    core.StateStepping,
		RunID:    e.id,
		Author:   e.w.name,
		Err:      err,
		Warnings: e.warningsSnapshot(),
	}

	e.emit(core.NewStateEvent(e.id, e.w.name, core.StateFailed))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), failureRecordTimeout)
	defer cancel()

	if e.cp != nil {
		e.cpMu.Lock()
		e.cp.Status = CheckpointFailed
		if kind == core.KindCancelled {
			e.cp.Status = CheckpointCancelled
		}
		e.cp.Error = re.Error()
		e.cp.ErrorKind = kind
		e.cpMu.Unlock()

		if cerr := e.saveCheckpoint(ctx); cerr != nil {
			e.logger.Warn("workflow.checkpoint.record_failure", "error", cerr.Error())
		}
	}

	if e.persistable() {
		if perr := e.persistWith(ctx, core.RunFailed, nil, nil, re); perr != nil {
			e.logger.Warn("workflow.run.record_failure", "error", perr.Error())
		}
	}

	return re
}

func (e *execution) persistable() bool {
	return e.w.opts.SessionStore != nil && e.in.SessionID != "" && !e.in.Ephemeral && e.in.Snapshot == nil
}

// persistWith merges delta into the session state and appends the workflow
// run, both under the session lock.
func (e *execution) persistWith(ctx context.Context, status core.RunStatus, out *core.Content, delta map[string]any, re *core.RunError) error {
	store := e.w.opts.SessionStore

	unlock, err := e.w.opts.Locker.Lock(ctx, e.in.SessionID)
	if err != nil {
		return fmt.Errorf("waiting for session lock: %w", err)
	}
	defer unlock()

	if err := core.MergeState(ctx, store, e.in.UserID, e.in.SessionID, delta); err != nil {
		return err
	}

	rec := core.Run{
		ID:         e.id,
		SessionID:  e.in.SessionID,
		UserID:     e.in.UserID,
		Author:     e.w.name,
		Status:     status,
		Input:      e.in.Content.Clone(),
		Output:     out,
		Warnings:   e.warningsSnapshot(),
		StateDelta: maps.Clone(delta),
		Metrics:    e.finalMetrics(),
		CreatedAt:  e.started.UTC(),
	}

	if re != nil {
		rec.Error = re.Error()
		rec.ErrorKind = re.Kind
	}

	if err := store.AppendRun(ctx, e.in.UserID, e.in.SessionID, rec); err != nil {
		return fmt.Errorf("append run: %w", err)
	}

	e.logger.Debug("workflow.run.persisted", "status", status)

	return nil
}
