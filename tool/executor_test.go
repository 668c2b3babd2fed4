package tool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
)

func sleepyTool(t *testing.T, name string, d time.Duration, running, peak *int32) *FunctionTool {
	t.Helper()

	st, err := NewMapTool(name, "", nil, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		n := atomic.AddInt32(running, 1)
		for {
			p := atomic.LoadInt32(peak)
			if n <= p || atomic.CompareAndSwapInt32(peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(running, -1)

		select {
		case <-time.After(d):
			return name, nil
		case <-tc.Context().Done():
			return nil, tc.Context().Err()
		}
	})
	require.NoError(t, err)

	return st
}

func TestExecutorPreservesOrderAndBoundsParallelism(t *testing.T) {
	var running, peak int32

	r, err := NewRegistry(
		sleepyTool(t, "slow", 40*time.Millisecond, &running, &peak),
		sleepyTool(t, "fast", 5*time.Millisecond, &running, &peak),
		sleepyTool(t, "mid", 20*time.Millisecond, &running, &peak),
	)
	require.NoError(t, err)

	var finished int32
	exec := NewExecutor(r, func(o *ExecutorOptions) {
		o.MaxParallel = 2
		o.OnFinished = func(_, outcome string, _ time.Duration) {
			if outcome == OutcomeOK {
				atomic.AddInt32(&finished, 1)
			}
		}
	})

	rec := &testutil.EventRecorder{}
	rc := testutil.NewRunContext(context.Background(), rec, nil)

	calls := []core.FunctionCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
		{ID: "3", Name: "mid"},
	}

	res, err := exec.Execute(rc, calls)
	require.NoError(t, err)
	require.Len(t, res.Responses, 3)

	for i, resp := range res.Responses {
		assert.Equal(t, calls[i].ID, resp.ID)
		assert.Equal(t, calls[i].Name, resp.Response)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.EqualValues(t, 3, atomic.LoadInt32(&finished))
	assert.Len(t, rec.OfType(core.EventToolStarted), 3)
	assert.Len(t, rec.OfType(core.EventToolFinished), 3)
	assert.Empty(t, res.Warnings)

	content := res.Content()
	assert.Equal(t, core.RoleTool, content.Role)
	assert.Len(t, content.FunctionResponses(), 3)
}

func TestExecutorUnknownToolFailsBeforeRunning(t *testing.T) {
	var ran int32

	counted, err := NewMapTool("counted", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	})
	require.NoError(t, err)

	r, err := NewRegistry(counted)
	require.NoError(t, err)

	rc := testutil.NewRunContext(context.Background(), nil, nil)

	_, err = NewExecutor(r).Execute(rc, []core.FunctionCall{
		{ID: "1", Name: "counted"},
		{ID: "2", Name: "ghost"},
	})
	assert.ErrorIs(t, err, core.KindUnknownTool)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestExecutorConfirmationGate(t *testing.T) {
	var ran int32

	gated, err := NewMapTool("delete_file", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "deleted", nil
	}, func(o *FunctionOptions) { o.RequireConfirmation = true })
	require.NoError(t, err)

	r, err := NewRegistry(gated)
	require.NoError(t, err)

	calls := []core.FunctionCall{{ID: "1", Name: "delete_file", Arguments: "{}"}}

	tests := []struct {
		name      string
		approver  Approver
		timeout   time.Duration
		wantRan   bool
		wantError bool
	}{
		{name: "approved", approver: AutoApprove, wantRan: true},
		{name: "denied", approver: DenyAll, wantError: true},
		{name: "no approver", approver: nil, wantError: true},
		{name: "timeout", approver: NewController(nil), timeout: 20 * time.Millisecond, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atomic.StoreInt32(&ran, 0)

			rec := &testutil.EventRecorder{}
			rc := testutil.NewRunContext(context.Background(), rec, nil)

			exec := NewExecutor(r, func(o *ExecutorOptions) {
				o.Approver = tt.approver
				o.ApprovalTimeout = tt.timeout
			})

			res, err := exec.Execute(rc, calls)
			require.NoError(t, err)
			require.Len(t, res.Responses, 1)
			assert.Len(t, rec.OfType(core.EventToolConfirmation), 1)

			if tt.wantRan {
				assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
				assert.Equal(t, "deleted", res.Responses[0].Response)
				return
			}

			assert.Zero(t, atomic.LoadInt32(&ran))
			require.Len(t, res.Warnings, 1)
			assert.Equal(t, core.KindToolDenied, res.Warnings[0].Kind)

			body := res.Responses[0].Response.(map[string]any)["error"].(map[string]any)
			assert.Equal(t, string(core.KindToolDenied), body["kind"])
		})
	}
}

func TestExecutorToolTimeout(t *testing.T) {
	var running, peak int32

	r, err := NewRegistry(sleepyTool(t, "slow", time.Second, &running, &peak))
	require.NoError(t, err)

	var outcome string
	exec := NewExecutor(r, func(o *ExecutorOptions) {
		o.ToolTimeout = 20 * time.Millisecond
		o.OnFinished = func(_, out string, _ time.Duration) { outcome = out }
	})

	rc := testutil.NewRunContext(context.Background(), nil, nil)

	res, err := exec.Execute(rc, []core.FunctionCall{{ID: "1", Name: "slow"}})
	require.NoError(t, err)
	assert.Contains(t, res.Responses[0].Error, CodeTimeout)
	assert.Equal(t, OutcomeTimeout, outcome)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, core.KindToolFailure, res.Warnings[0].Kind)
}

func TestExecutorCancellation(t *testing.T) {
	var running, peak int32

	r, err := NewRegistry(sleepyTool(t, "slow", time.Second, &running, &peak))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rc := testutil.NewRunContext(ctx, nil, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = NewExecutor(r).Execute(rc, []core.FunctionCall{{ID: "1", Name: "slow"}})
	assert.ErrorIs(t, err, core.KindCancelled)
}
