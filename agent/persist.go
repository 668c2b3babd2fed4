package agent

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// failureRecordTimeout bounds the best-effort write of a failed run.
const failureRecordTimeout = 5 * time.Second

// persist commits the run under the session lock: the staged state delta is
// merged into the stored state, then the run is appended. Memory extraction
// and summary regeneration follow outside the lock; their errors are logged.
func (r *run) persist(out core.Content) error {
	unlock, err := r.a.opts.Locker.Lock(r.ctx, r.in.SessionID)
	if err != nil {
		return fmt.Errorf("%w: waiting for session lock: %w", core.KindCancelled, err)
	}

	rec := r.record(core.RunCompleted, &out, nil)
	err = r.commit(r.ctx, rec, true)

	unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", core.KindPersistenceFailure, err)
	}

	r.rc.LogDebug("agent.run.persisted", "session_id", r.in.SessionID, "state_keys", len(rec.StateDelta))

	r.extractMemories(rec)
	r.refreshSummary()

	return nil
}

func (r *run) commit(ctx context.Context, rec core.Run, withState bool) error {
	store := r.a.opts.SessionStore

	if withState {
		if err := core.MergeState(ctx, store, r.in.UserID, r.in.SessionID, rec.StateDelta); err != nil {
			return err
		}
	}

	if err := store.AppendRun(ctx, r.in.UserID, r.in.SessionID, rec); err != nil {
		return fmt.Errorf("append run: %w", err)
	}

	return nil
}

func (r *run) record(status core.RunStatus, out *core.Content, re *core.RunError) core.Run {
	in := r.content
	if len(in.Parts) == 0 {
		in = r.in.Content.Clone()
	}

	rec := core.Run{
		ID:        r.id,
		SessionID: r.in.SessionID,
		UserID:    r.in.UserID,
		Author:    r.a.name,
		Status:    status,
		Input:     in,
		Output:    out,
		Warnings:  slices.Clone(r.warnings),
		Metrics:   r.finalMetrics(),
		CreatedAt: r.started.UTC(),
	}

	if r.bundle != nil && r.bundle.Instructions != "" {
		rec.Context = []core.Content{core.NewTextContent(core.RoleSystem, r.bundle.Instructions)}
	}

	if re != nil {
		rec.Error = re.Error()
		rec.ErrorKind = re.Kind
	} else {
		rec.StateDelta = r.rc.StateDelta()
	}

	return rec
}

// recordFailure appends a failed run without touching session state. It
// runs detached from the run context so cancelled runs are recorded too.
func (r *run) recordFailure(re *core.RunError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), failureRecordTimeout)
	defer cancel()

	unlock, err := r.a.opts.Locker.Lock(ctx, r.in.SessionID)
	if err != nil {
		r.rc.LogWarn("agent.run.record_failure", "error", err.Error())
		return
	}
	defer unlock()

	if err := r.commit(ctx, r.record(core.RunFailed, nil, re), false); err != nil {
		r.rc.LogWarn("agent.run.record_failure", "error", err.Error())
	}
}

func (r *run) extractMemories(rec core.Run) {
	if !r.a.opts.EnableMemory || r.in.UserID == "" {
		return
	}

	mgr := r.a.opts.MemoryManager
	userID := r.in.UserID
	logger := r.rc.Logger()

	extract := func(ctx context.Context) {
		ops, err := mgr.Extract(ctx, userID, rec)
		if err != nil {
			logger.Warn("agent.memory.extract.failed", "error", err.Error())
			return
		}

		logger.Debug("agent.memory.extracted", "operations", len(ops))
	}

	if r.a.opts.AwaitMemory {
		extract(r.ctx)
		return
	}

	go extract(context.WithoutCancel(r.ctx))
}

// refreshSummary regenerates the session summary when the session's run
// count reached a multiple of SummaryEveryNRuns.
func (r *run) refreshSummary() {
	n := r.a.opts.SummaryEveryNRuns
	if n <= 0 || r.a.opts.Summarizer == nil {
		return
	}

	store := r.a.opts.SessionStore

	ss, ok := store.(core.SummaryStore)
	if !ok {
		r.rc.LogWarn("agent.summary.unsupported", "store", fmt.Sprintf("%T", store))
		return
	}

	sess, err := store.Load(r.ctx, r.in.UserID, r.in.SessionID)
	if err != nil {
		r.rc.LogWarn("agent.summary.failed", "error", err.Error())
		return
	}

	if len(sess.Runs)%n != 0 {
		return
	}

	runs := sess.CompletedRuns()
	if len(runs) == 0 {
		return
	}

	text, err := r.a.opts.Summarizer.Summarize(r.ctx, runs)
	if err != nil {
		r.rc.LogWarn("agent.summary.failed", "error", err.Error())
		return
	}

	summary := core.SessionSummary{Text: text, RunCount: len(runs), UpdatedAt: time.Now().UTC()}
	if err := ss.SetSummary(r.ctx, r.in.UserID, r.in.SessionID, summary); err != nil {
		r.rc.LogWarn("agent.summary.failed", "error", err.Error())
		return
	}

	r.rc.LogDebug("agent.summary.updated", "run_count", len(runs))
}
