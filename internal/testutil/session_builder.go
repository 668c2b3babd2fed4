package testutil

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1", "alice").State("k", "v").Turn("hi", "hello").Build()
type SessionBuilder struct {
	id     string
	userID string
	state  map[string]any
	runs   []core.Run
}

// NewSessionBuilder creates a new builder for a session owned by userID.
func NewSessionBuilder(id, userID string) *SessionBuilder {
	return &SessionBuilder{id: id, userID: userID, state: map[string]any{}}
}

// State sets or overwrites a state key/value pair on the resulting session (chainable).
func (b *SessionBuilder) State(key string, val any) *SessionBuilder {
	b.state[key] = val
	return b
}

// Run appends a prebuilt run (chainable).
func (b *SessionBuilder) Run(runs ...core.Run) *SessionBuilder {
	b.runs = append(b.runs, runs...)
	return b
}

// Turn appends a completed run with the given input and output text (chainable).
func (b *SessionBuilder) Turn(input, output string) *SessionBuilder {
	b.runs = append(b.runs, NewRunBuilder(b.id, b.userID).
		ID(fmt.Sprintf("run-%d", len(b.runs)+1)).
		Input(input).
		Output(output).
		At(time.Unix(int64(len(b.runs)), 0).UTC()).
		Build())
	return b
}

// FailedTurn appends a failed run (chainable).
func (b *SessionBuilder) FailedTurn(input string, kind core.ErrorKind) *SessionBuilder {
	b.runs = append(b.runs, NewRunBuilder(b.id, b.userID).
		ID(fmt.Sprintf("run-%d", len(b.runs)+1)).
		Input(input).
		Failed(kind).
		Build())
	return b
}

// Build returns a *core.Session with pre-populated state and runs.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id, b.userID)

	for k, v := range b.state {
		s.State[k] = v
	}

	s.Runs = append(s.Runs, b.runs...)
	if len(s.Runs) > 0 {
		s.OwnerID = s.Runs[0].Author
	}

	return s
}

// RunBuilder constructs core.Run values.
type RunBuilder struct {
	run core.Run
}

// NewRunBuilder starts a completed run authored by "agent".
func NewRunBuilder(sessionID, userID string) *RunBuilder {
	return &RunBuilder{run: core.Run{
		ID:        core.NewID(),
		SessionID: sessionID,
		UserID:    userID,
		Author:    "agent",
		Status:    core.RunCompleted,
		CreatedAt: time.Now().UTC(),
	}}
}

// ID overrides the generated run ID (chainable).
func (b *RunBuilder) ID(id string) *RunBuilder { b.run.ID = id; return b }

// Author sets the run author (chainable).
func (b *RunBuilder) Author(a string) *RunBuilder { b.run.Author = a; return b }

// Input sets the user input text (chainable).
func (b *RunBuilder) Input(text string) *RunBuilder {
	b.run.Input = core.NewTextContent(core.RoleUser, text)
	return b
}

// Output sets the assistant output text (chainable).
func (b *RunBuilder) Output(text string) *RunBuilder {
	c := core.NewTextContent(core.RoleAssistant, text)
	b.run.Output = &c
	return b
}

// Failed marks the run failed with kind (chainable).
func (b *RunBuilder) Failed(kind core.ErrorKind) *RunBuilder {
	b.run.Status = core.RunFailed
	b.run.ErrorKind = kind
	b.run.Error = string(kind)
	b.run.Output = nil
	return b
}

// Delta sets the committed state delta (chainable).
func (b *RunBuilder) Delta(delta map[string]any) *RunBuilder { b.run.StateDelta = delta; return b }

// At sets the creation timestamp (chainable).
func (b *RunBuilder) At(ts time.Time) *RunBuilder { b.run.CreatedAt = ts; return b }

// Build returns the run.
func (b *RunBuilder) Build() core.Run { return b.run }
