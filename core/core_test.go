package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentJSONKeepsPartTypes(t *testing.T) {
	in := Content{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "checking"},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}},
		FunctionResponsePart{FunctionResponse: FunctionResponse{ID: "c1", Name: "lookup", Error: "boom"}},
		DataPart{Data: map[string]any{"k": "v"}},
	}}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Content
	require.NoError(t, json.Unmarshal(b, &out))

	require.Len(t, out.Parts, 4)
	assert.IsType(t, TextPart{}, out.Parts[0])
	assert.Equal(t, "checking", out.Text())
	assert.Equal(t, []FunctionCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}}, out.FunctionCalls())
	assert.Equal(t, "boom", out.FunctionResponses()[0].Error)
	assert.Equal(t, "v", out.Parts[3].(DataPart).Data["k"])
}

func TestContentUnmarshalRejectsUnknownPart(t *testing.T) {
	var c Content
	err := json.Unmarshal([]byte(`{"role":"user","parts":[{"type":"video"}]}`), &c)
	assert.Error(t, err)
}

func TestRunErrorMatchesKind(t *testing.T) {
	cause := errors.New("missing field")
	err := fmt.Errorf("wrapped: %w", &RunError{Kind: KindInvalidInput, State: StateValidatingInput, Err: cause})

	assert.ErrorIs(t, err, KindInvalidInput)
	assert.NotErrorIs(t, err, KindInvalidOutput)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StateValidatingInput, re.State)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, KindStateConflict, KindOf(&WorkflowError{Kind: KindStateConflict, Step: "p"}))
	assert.Equal(t, KindUnknownTool, KindOf(fmt.Errorf("x: %w", KindUnknownTool)))
}

func TestErrorKindFatal(t *testing.T) {
	assert.True(t, KindToolLoopExceeded.Fatal())
	assert.True(t, KindCancelled.Fatal())
	assert.False(t, KindToolDenied.Fatal())
	assert.False(t, KindKnowledgeUnavailable.Fatal())
	assert.False(t, KindDelegationLimitExceeded.Fatal())
}

func TestIterationLimiter(t *testing.T) {
	l := NewIterationLimiter(2)
	require.NoError(t, l.Increment())
	require.NoError(t, l.Increment())
	assert.Equal(t, 0, l.Remaining())
	assert.Error(t, l.Increment())
	assert.Equal(t, 3, l.Count())

	unlimited := NewIterationLimiter(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Increment())
	}
	assert.Equal(t, -1, unlimited.Remaining())
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s := NewSession("s1", "u1")
	s.State["k"] = "v"
	s.Runs = append(s.Runs, Run{ID: "r1", Status: RunCompleted}, Run{ID: "r2", Status: RunFailed})

	c := s.Clone()
	c.State["k"] = "changed"
	c.Runs[0].ID = "other"

	assert.Equal(t, "v", s.State["k"])
	assert.Equal(t, "r1", s.Runs[0].ID)

	completed := s.CompletedRuns()
	require.Len(t, completed, 1)
	assert.Equal(t, "r1", completed[0].ID)
}

func TestRunContextStagesStateConcurrently(t *testing.T) {
	sess := NewSession("s1", "")
	sess.State["base"] = 1

	var events []Event
	var mu sync.Mutex
	rc := NewRunContext(context.Background(), "run-1", "agent", Input{SessionID: "s1"}, sess, func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tc := NewToolContext(context.Background(), rc, FunctionCall{ID: fmt.Sprint(i), Name: "t"})
			tc.SetState(fmt.Sprintf("k%d", i), i)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rc.StateDelta(), 10)
	v, ok := rc.GetState("base")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = sess.GetState("k1")
	assert.False(t, ok, "staged state must not leak into the snapshot")

	require.NoError(t, rc.Emit(NewEvent("", "", EventWarning)))
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "agent", events[0].Author)
}

func TestTerminalEvents(t *testing.T) {
	done := NewCompletedEvent("r", "a", &RunResult{Content: NewTextContent(RoleAssistant, "hi")})
	failed := NewFailedEvent("r", "a", KindCancelled)

	assert.True(t, done.IsTerminal())
	assert.Equal(t, "hi", done.Content.Text())
	assert.True(t, failed.IsTerminal())
	assert.Equal(t, "Cancelled", failed.ErrorMessage)
	assert.False(t, NewDeltaEvent("r", "a", "x").IsTerminal())
}

func TestRunErrorMessageDoesNotRepeatKind(t *testing.T) {
	re := &RunError{Kind: KindUnknownTool, State: StateExecutingTools, Author: "bot", Err: fmt.Errorf("%w: lookup", KindUnknownTool)}
	assert.Equal(t, "bot run failed in EXECUTING_TOOLS: UnknownTool: lookup", re.Error())

	re = &RunError{Kind: KindInvalidInput, State: StateValidatingInput, Err: errors.New("missing field")}
	assert.Equal(t, "run failed in VALIDATING_INPUT: InvalidInput: missing field", re.Error())
}
