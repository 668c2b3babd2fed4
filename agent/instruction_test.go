package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
)

type mockProvider struct {
	text string
	err  error
}

func (m mockProvider) Instruction(*core.RunContext) (string, error) { return m.text, m.err }

func newTestRunContext() *core.RunContext {
	sess := testutil.NewSessionBuilder("test-session", "user").State("user_name", "Ada").Build()
	return testutil.NewRunContext(context.Background(), nil, sess)
}

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("static instruction")
	if !inst.IsStatic() {
		t.Fatalf("expected static instruction")
	}
	got, err := inst.Resolve(newTestRunContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "static instruction" {
		t.Fatalf("expected 'static instruction', got %q", got)
	}
}

func TestInstruction_NewInstructionFromFunc(t *testing.T) {
	inst := NewInstructionFromFunc(func(rc *core.RunContext) (string, error) { return "dynamic for " + rc.Author, nil })
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(newTestRunContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "dynamic for tester" {
		t.Fatalf("expected 'dynamic for tester', got %q", got)
	}
}

func TestInstruction_NewInstructionFromProvider(t *testing.T) {
	inst := NewInstructionFromProvider(mockProvider{text: "provider text"})
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(newTestRunContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "provider text" {
		t.Fatalf("expected 'provider text', got %q", got)
	}
}

func TestInstruction_ErrorPropagation(t *testing.T) {
	expectedErr := errors.New("boom")
	inst := NewInstructionFromProvider(mockProvider{err: expectedErr})
	_, err := inst.Render(newTestRunContext())
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestInstruction_RenderUsesStagedState(t *testing.T) {
	rc := newTestRunContext()
	rc.SetState("mood", "cheerful")

	inst := NewInstructionFromText("Greet {{.state.user_name}} in a {{.state.mood}} tone.")
	got, err := inst.Render(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Greet Ada in a cheerful tone." {
		t.Fatalf("unexpected rendering %q", got)
	}
}

func TestInstruction_RenderWithoutSession(t *testing.T) {
	rc := testutil.NewRunContext(context.Background(), nil, nil)

	got, err := NewInstructionFromText("plain").Render(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plain" {
		t.Fatalf("expected 'plain', got %q", got)
	}
}

func TestInstruction_IsZero(t *testing.T) {
	if !(Instruction{}).IsZero() {
		t.Fatalf("expected zero instruction")
	}
	if NewInstructionFromText("x").IsZero() {
		t.Fatalf("expected non-zero instruction")
	}
}
