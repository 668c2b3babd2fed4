package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
)

type sumArgs struct {
	A float64 `json:"a" description:"First addend"`
	B float64 `json:"b" description:"Second addend"`
}

func newSumTool(t *testing.T) *FunctionTool {
	t.Helper()

	sum, err := NewFunctionTool("sum", "Adds two numbers", func(_ *core.ToolContext, args sumArgs) (float64, error) {
		return args.A + args.B, nil
	})
	require.NoError(t, err)

	return sum
}

func TestFunctionToolReflectsSchema(t *testing.T) {
	sum := newSumTool(t)

	props, ok := sum.Parameters()["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.False(t, sum.RequiresConfirmation())
}

func TestFunctionToolCall(t *testing.T) {
	sum := newSumTool(t)
	rc := testutil.NewRunContext(context.Background(), nil, nil)
	tc := core.NewToolContext(context.Background(), rc, core.FunctionCall{ID: "c1", Name: "sum"})

	t.Run("valid arguments", func(t *testing.T) {
		out, err := sum.Call(tc, map[string]any{"a": 1.5, "b": 2})
		require.NoError(t, err)
		assert.InDelta(t, 3.5, out, 1e-9)
	})

	t.Run("missing argument", func(t *testing.T) {
		_, err := sum.Call(tc, map[string]any{"a": 1})
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, CodeValidation, toolErr.Code)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := sum.Call(tc, map[string]any{"a": "one", "b": 2})
		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, CodeValidation, toolErr.Code)
	})
}

func TestFunctionToolErrorCodes(t *testing.T) {
	rc := testutil.NewRunContext(context.Background(), nil, nil)
	tc := core.NewToolContext(context.Background(), rc, core.FunctionCall{ID: "c1", Name: "x"})

	plain, err := NewMapTool("plain", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return nil, errors.New("backend down")
	})
	require.NoError(t, err)

	_, err = plain.Call(tc, nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Equal(t, "backend down", toolErr.Message)

	custom, err := NewMapTool("custom", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return nil, NewToolError("custom", "quota", "RATE_LIMITED")
	})
	require.NoError(t, err)

	_, err = custom.Call(tc, nil)
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "RATE_LIMITED", toolErr.Code)
}

func TestNewMapToolRejectsInvalidSchema(t *testing.T) {
	_, err := NewMapTool("bad", "", map[string]any{"type": 42}, func(*core.ToolContext, map[string]any) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	sum := newSumTool(t)

	r, err := NewRegistry(sum, NewStateTool())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	err = r.Register(newSumTool(t))
	assert.ErrorIs(t, err, core.KindDuplicateTool)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, core.KindUnknownTool)

	got, err := r.Resolve("sum")
	require.NoError(t, err)
	assert.Equal(t, "sum", got.Name())

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "session_state", defs[0].Function.Name)
	assert.Equal(t, "sum", defs[1].Function.Name)
	assert.Equal(t, "function", defs[0].Type)
}

func TestRegistryInvokeAbsorbsFailures(t *testing.T) {
	boom, err := NewMapTool("boom", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	r, err := NewRegistry(boom, newSumTool(t))
	require.NoError(t, err)

	rc := testutil.NewRunContext(context.Background(), nil, nil)

	t.Run("panic", func(t *testing.T) {
		call := core.FunctionCall{ID: "c1", Name: "boom", Arguments: "{}"}
		resp := r.Invoke(core.NewToolContext(context.Background(), rc, call), boom, call)
		assert.Equal(t, "c1", resp.ID)
		assert.Contains(t, resp.Error, "kaboom")

		body := resp.Response.(map[string]any)["error"].(map[string]any)
		assert.Equal(t, string(core.KindToolFailure), body["kind"])
	})

	t.Run("malformed arguments", func(t *testing.T) {
		call := core.FunctionCall{ID: "c2", Name: "sum", Arguments: "{not json"}
		sum, _ := r.Resolve("sum")
		resp := r.Invoke(core.NewToolContext(context.Background(), rc, call), sum, call)
		assert.NotEmpty(t, resp.Error)
	})

	t.Run("success", func(t *testing.T) {
		call := core.FunctionCall{ID: "c3", Name: "sum", Arguments: `{"a":2,"b":3}`}
		sum, _ := r.Resolve("sum")
		resp := r.Invoke(core.NewToolContext(context.Background(), rc, call), sum, call)
		assert.Empty(t, resp.Error)
		assert.InDelta(t, 5.0, resp.Response, 1e-9)
	})
}

func TestStateToolStagesWrites(t *testing.T) {
	sess := testutil.NewSessionBuilder("s1", "u1").State("city", "Oslo").Build()
	rc := testutil.NewRunContext(context.Background(), nil, sess)
	tc := core.NewToolContext(context.Background(), rc, core.FunctionCall{ID: "c1", Name: "session_state"})

	st := NewStateTool("city", "unit")

	out, err := st.Call(tc, map[string]any{"operation": "get_state", "key": "city"})
	require.NoError(t, err)
	assert.Equal(t, "Oslo", out.(map[string]any)["value"])

	_, err = st.Call(tc, map[string]any{"operation": "set_state", "key": "unit", "value": "celsius"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"unit": "celsius"}, tc.Staged())
	assert.Empty(t, rc.StateDelta())

	out, err = st.Call(tc, map[string]any{"operation": "get_state", "key": "unit"})
	require.NoError(t, err)
	assert.Equal(t, "celsius", out.(map[string]any)["value"])

	tc.Commit()
	assert.Equal(t, map[string]any{"unit": "celsius"}, rc.StateDelta())
	assert.NotContains(t, sess.State, "unit")

	_, err = st.Call(tc, map[string]any{"operation": "get_state", "key": "secret"})
	require.Error(t, err)
}

func TestToolContextDiscardDropsWrites(t *testing.T) {
	sess := testutil.NewSessionBuilder("s1", "u1").Build()
	rc := testutil.NewRunContext(context.Background(), nil, sess)
	tc := core.NewToolContext(context.Background(), rc, core.FunctionCall{ID: "c1", Name: "writer"})

	tc.SetState("a", 1)
	tc.Discard()
	tc.SetState("b", 2)
	tc.Commit()

	assert.Empty(t, rc.StateDelta())
	assert.Empty(t, tc.Staged())
}

func TestControllerResolve(t *testing.T) {
	notified := make(chan ApprovalRequest, 1)
	c := NewController(func(req ApprovalRequest) { notified <- req })

	done := make(chan Decision, 1)
	go func() {
		d, err := c.Approve(context.Background(), ApprovalRequest{Call: core.FunctionCall{ID: "c1", Name: "wire_money"}})
		assert.NoError(t, err)
		done <- d
	}()

	req := <-notified
	assert.Equal(t, "wire_money", req.Call.Name)
	require.Len(t, c.Pending(), 1)

	require.NoError(t, c.Resolve("c1", Deny("too risky")))

	d := <-done
	assert.False(t, d.Approved)
	assert.Equal(t, "too risky", d.Reason)
	assert.Empty(t, c.Pending())

	assert.ErrorIs(t, c.Resolve("c1", Approve()), ErrUnknownApproval)
}

func TestControllerHonoursContext(t *testing.T) {
	c := NewController(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Approve(ctx, ApprovalRequest{Call: core.FunctionCall{ID: "c1"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.Pending())
}
