package team

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/engine"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/observability"
)

const failureRecordTimeout = 5 * time.Second

// Delegation outcomes recorded in metrics and on delegation.finished events.
const (
	OutcomeOK            = "ok"
	OutcomeFailed        = "failed"
	OutcomeUnknownMember = "unknown_member"
)

// coordination is the per-run state of a team.
type coordination struct {
	t       *Team
	id      string
	ctx     context.Context
	in      core.Input
	emitFn  func(core.Event) error
	logger  logging.Logger
	started time.Time

	state     core.State
	stateSpan trace.Span
	sess      *core.Session

	mu         sync.Mutex
	transcript []entry
	warnings   []core.Warning
	metrics    core.RunMetrics
	leaderText string
}

func newCoordination(ctx context.Context, t *Team, runID string, in core.Input, emit func(core.Event) error) *coordination {
	if in.SessionID == "" && t.opts.SessionStore != nil && !in.Ephemeral {
		in.SessionID = core.NewID()
	}

	return &coordination{
		t:       t,
		id:      runID,
		ctx:     ctx,
		in:      in,
		emitFn:  emit,
		logger:  logging.With(t.logger, "run_id", runID, "session_id", in.SessionID),
		started: time.Now(),
	}
}

func (c *coordination) execute() (*core.RunResult, error) {
	ctx, span := observability.StartSpan(c.ctx, c.t.opts.Tracer, "team.run",
		"team", c.t.name, "run_id", c.id, "session_id", c.in.SessionID)
	c.ctx = ctx

	c.logger.Info("team.run.started", "members", len(c.t.order), "max_rounds", c.t.opts.MaxRounds)
	c.emit(core.NewEvent(c.id, c.t.name, core.EventRunStarted))

	res, err := c.drive()

	c.leaveState(err)
	observability.EndSpan(span, err)

	status := core.RunCompleted
	if err != nil {
		status = core.RunFailed
	}

	c.t.opts.Metrics.RecordRun(c.t.name, string(status), time.Since(c.started))

	if err != nil {
		c.logger.Warn("team.run.failed", "state", c.state, "kind", core.KindOf(err), "error", err.Error())
		return nil, err
	}

	c.logger.Info("team.run.completed",
		"duration_ms", res.Metrics.Latency.Milliseconds(),
		"delegations", len(c.transcript),
		"warnings", len(res.Warnings),
	)

	return res, nil
}

func (c *coordination) drive() (*core.RunResult, error) {
	c.enter(StateAnalyze)

	if len(c.in.Content.Parts) == 0 {
		return nil, c.fail(fmt.Errorf("%w: team input has no content", core.KindInvalidInput))
	}

	if err := c.loadSession(); err != nil {
		return nil, c.fail(err)
	}

	task := c.in.Content.Text()

	var (
		out       string
		completed bool
	)

	for round := 1; round <= c.t.opts.MaxRounds; round++ {
		if round > 1 {
			c.enter(StateSelectMember)
		}

		d, err := c.decide(task, round)
		if err != nil {
			return nil, c.fail(err)
		}

		if d.Action == ActionComplete {
			out = d.Result
			if out == "" {
				out = c.bestPartial()
			}
			completed = true
			break
		}

		c.enter(StateDelegate)

		entries, err := c.delegate(round, d.Delegations)
		if err != nil {
			return nil, c.fail(err)
		}

		c.enter(StateEvaluate)

		c.mu.Lock()
		c.transcript = append(c.transcript, entries...)
		c.mu.Unlock()

		c.logger.Debug("team.round.evaluated", "round", round, "delegations", len(entries))
	}

	if !completed {
		c.warn(core.Warning{
			Kind:    core.KindDelegationLimitExceeded,
			Message: fmt.Sprintf("no completion after %d rounds, returning best partial result", c.t.opts.MaxRounds),
			Source:  c.t.name,
		})
		out = c.bestPartial()
	}

	c.enter(StateComplete)

	content := core.NewTextContent(core.RoleAssistant, out)

	if c.persistable() {
		if err := c.persist(core.RunCompleted, &content, nil); err != nil {
			return nil, c.fail(fmt.Errorf("%w: %w", core.KindPersistenceFailure, err))
		}
	}

	c.enter(core.StateDone)

	return &core.RunResult{
		RunID:     c.id,
		SessionID: c.in.SessionID,
		Author:    c.t.name,
		Content:   content,
		Warnings:  slices.Clone(c.warnings),
		Metrics:   c.finalMetrics(),
	}, nil
}

func (c *coordination) loadSession() error {
	if c.in.Snapshot != nil {
		c.sess = c.in.Snapshot
		return nil
	}

	store := c.t.opts.SessionStore
	if store == nil || c.in.SessionID == "" {
		return nil
	}

	sess, err := store.Load(c.ctx, c.in.UserID, c.in.SessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		c.sess = core.NewSession(c.in.SessionID, c.in.UserID)
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: load session: %w", core.KindPersistenceFailure, err)
	}

	c.sess = sess

	return nil
}

// decide runs the leader once. Leader failures are fatal.
func (c *coordination) decide(task string, round int) (Decision, error) {
	c.mu.Lock()
	prompt := leaderInput(task, c.transcript, round, c.t.opts.MaxRounds)
	c.mu.Unlock()

	in := core.Input{
		SessionID: c.in.SessionID,
		UserID:    c.in.UserID,
		Content:   core.NewTextContent(core.RoleUser, prompt),
		Snapshot:  c.sess,
		Ephemeral: true,
	}

	res, err := engine.Forward(c.t.leader.RunAsync(c.ctx, in), c.emitFn)
	if err != nil {
		return Decision{}, err
	}

	c.addMetrics(res.Metrics)

	d, err := decodeDecision(res.Data)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: leader decision: %w", core.KindInvalidOutput, err)
	}

	c.mu.Lock()
	if d.Result != "" {
		c.leaderText = d.Result
	} else {
		c.leaderText = res.Text()
	}
	c.mu.Unlock()

	c.logger.Debug("team.leader.decided", "round", round, "action", d.Action, "delegations", len(d.Delegations))

	return d, nil
}

// delegate runs the round's member tasks concurrently. Entries keep the
// order of the leader's delegations.
func (c *coordination) delegate(round int, delegations []Delegation) ([]entry, error) {
	if len(delegations) == 0 {
		return []entry{{
			round: round,
			kind:  core.KindInvalidOutput,
			err:   "leader chose to delegate but named no member",
		}}, nil
	}

	entries := make([]entry, len(delegations))

	var g errgroup.Group
	g.SetLimit(max(c.t.opts.MaxConcurrentDelegations, 1))

	for i, d := range delegations {
		g.Go(func() error {
			entries[i] = c.runMember(round, d)
			return nil
		})
	}

	_ = g.Wait()

	if err := c.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.KindCancelled, err)
	}

	return entries, nil
}

func (c *coordination) runMember(round int, d Delegation) entry {
	e := entry{round: round, member: d.Member, task: d.Task}
	meta := map[string]string{"member": d.Member, "round": strconv.Itoa(round)}

	started := core.NewEvent(c.id, c.t.name, core.EventDelegationStarted)
	task := core.NewTextContent(core.RoleUser, d.Task)
	started.Content = &task
	started.Metadata = meta
	c.emit(started)

	outcome := OutcomeOK

	var res *core.RunResult

	m, ok := c.t.members[d.Member]
	if !ok {
		outcome = OutcomeUnknownMember
		e.kind = core.KindInvalidOutput
		e.err = fmt.Sprintf("unknown member %q", d.Member)
	} else {
		in := core.Input{Content: task, Ephemeral: true}
		if c.t.opts.ShareSessionWithMembers {
			in.UserID = c.in.UserID
			in.Snapshot = c.sess
		}

		var err error

		res, err = engine.Forward(m.RunAsync(c.ctx, in), c.emitFn)
		if err != nil {
			outcome = OutcomeFailed
			e.kind = core.KindOf(err)
			e.err = err.Error()
		} else {
			e.output = res.Text()
			c.addMetrics(res.Metrics)
		}
	}

	if e.failed() {
		c.warn(core.Warning{Kind: e.kind, Message: fmt.Sprintf("%s: %s", d.Member, e.err), Source: d.Member})
	}

	c.t.opts.Metrics.RecordDelegation(c.t.name, outcome)

	finished := core.NewEvent(c.id, c.t.name, core.EventDelegationFinished)
	finished.Result = res
	finished.ErrorMessage = e.err
	finished.Metadata = map[string]string{"member": d.Member, "round": strconv.Itoa(round), "outcome": outcome}
	c.emit(finished)

	c.logger.Info("team.delegation.finished", "member", d.Member, "round", round, "outcome", outcome)

	return e
}

// bestPartial is the last successful member output, else the leader's
// last answer.
func (c *coordination) bestPartial() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.transcript) - 1; i >= 0; i-- {
		if e := c.transcript[i]; !e.failed() {
			return e.output
		}
	}

	return c.leaderText
}

func (c *coordination) enter(s core.State) {
	c.leaveState(nil)

	c.state = s
	if !s.Terminal() {
		_, c.stateSpan = observability.StartSpan(c.ctx, c.t.opts.Tracer, "team.state."+string(s),
			"team", c.t.name, "run_id", c.id)
	}

	c.emit(core.NewStateEvent(c.id, c.t.name, s))
}

func (c *coordination) leaveState(err error) {
	if c.stateSpan != nil {
		observability.EndSpan(c.stateSpan, err)
		c.stateSpan = nil
	}
}

func (c *coordination) emit(ev core.Event) {
	if err := c.emitFn(ev); err != nil {
		c.logger.Debug("team.event.dropped", "type", ev.Type, "error", err.Error())
	}
}

func (c *coordination) warn(w core.Warning) {
	c.mu.Lock()
	c.warnings = append(c.warnings, w)
	c.mu.Unlock()

	c.logger.Warn("team.run.warning", "kind", w.Kind, "message", w.Message)
	c.emit(core.NewWarningEvent(c.id, c.t.name, w))
}

func (c *coordination) addMetrics(m core.RunMetrics) {
	c.mu.Lock()
	c.metrics.Add(m)
	c.mu.Unlock()
}

func (c *coordination) finalMetrics() core.RunMetrics {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()

	m.Latency = time.Since(c.started)

	return m
}

func (c *coordination) fail(err error) error {
	kind := core.KindOf(err)
	if c.ctx.Err() != nil {
		kind = core.KindCancelled
		if !errors.Is(err, core.KindCancelled) {
			err = fmt.Errorf("%w: %w", core.KindCancelled, err)
		}
	}

	if kind == "" {
		kind = core.KindModelFailure
	}

	c.mu.Lock()
	warnings := slices.Clone(c.warnings)
	c.mu.Unlock()

	re := &core.RunError{
		Kind:     kind,
		State:    c.state,
		RunID:    c.id,
		Author:   c.t.name,
		Err:      err,
		Warnings: warnings,
	}

	c.leaveState(re)
	c.emit(core.NewStateEvent(c.id, c.t.name, core.StateFailed))

	if c.persistable() {
		if perr := c.persist(core.RunFailed, nil, re); perr != nil {
			c.logger.Warn("team.run.record_failure", "error", perr.Error())
		}
	}

	return re
}

func (c *coordination) persistable() bool {
	return c.t.opts.SessionStore != nil && c.in.SessionID != "" && !c.in.Ephemeral && c.in.Snapshot == nil
}

// persist appends the team run to the team session under the session lock.
// Failed runs are written detached from the run context.
func (c *coordination) persist(status core.RunStatus, out *core.Content, re *core.RunError) error {
	ctx := c.ctx
	if re != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(c.ctx), failureRecordTimeout)
		defer cancel()
	}

	unlock, err := c.t.opts.Locker.Lock(ctx, c.in.SessionID)
	if err != nil {
		return fmt.Errorf("waiting for session lock: %w", err)
	}
	defer unlock()

	c.mu.Lock()
	rec := core.Run{
		ID:        c.id,
		SessionID: c.in.SessionID,
		UserID:    c.in.UserID,
		Author:    c.t.name,
		Status:    status,
		Input:     c.in.Content.Clone(),
		Output:    out,
		Warnings:  slices.Clone(c.warnings),
		CreatedAt: c.started.UTC(),
	}
	c.mu.Unlock()

	rec.Metrics = c.finalMetrics()

	if re != nil {
		rec.Error = re.Error()
		rec.ErrorKind = re.Kind
	}

	if err := c.t.opts.SessionStore.AppendRun(ctx, c.in.UserID, c.in.SessionID, rec); err != nil {
		return fmt.Errorf("append run: %w", err)
	}

	c.logger.Debug("team.run.persisted", "status", status)

	return nil
}
