package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/team"
)

// Step kinds, as reported on step events and in metrics.
const (
	KindFunction  = "function"
	KindAgent     = "agent"
	KindTeam      = "team"
	KindCondition = "condition"
	KindRouter    = "router"
	KindLoop      = "loop"
	KindParallel  = "parallel"
)

// Step is one node of a workflow graph. The set of implementations is
// closed: FunctionStep, AgentStep, TeamStep, ConditionStep, RouterStep,
// LoopStep and ParallelStep.
type Step interface {
	stepName() string
	stepKind() string
}

// StepInput is what a node receives.
type StepInput struct {
	RunID     string
	SessionID string
	UserID    string
	// Input is the workflow input.
	Input core.Content
	// State is a snapshot of the workflow state; writes go through
	// StepOutput.Delta.
	State map[string]any
	// Previous is the predecessor's output. After a ParallelStep it is a
	// []any of branch outputs in branch order.
	Previous any
}

// Get returns a state value.
func (in StepInput) Get(key string) (any, bool) {
	v, ok := in.State[key]
	return v, ok
}

// PreviousText renders Previous as text, falling back to the workflow input
// for the first node.
func (in StepInput) PreviousText() string {
	if in.Previous == nil {
		return in.Input.Text()
	}
	return textOf(in.Previous)
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case core.Content:
		return t.Text()
	case *core.RunResult:
		return t.Text()
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := textOf(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// StepOutput is what a node returns. Delta is applied to the workflow state
// before the next node runs.
type StepOutput struct {
	Output any
	Delta  map[string]any
}

// Predicate decides a condition or loop exit over the current state and the
// predecessor's output.
type Predicate func(in StepInput) bool

// FunctionStep runs Go code.
type FunctionStep struct {
	Name string
	Fn   func(ctx context.Context, in StepInput) (StepOutput, error)
	// Writes declares the state keys Fn may write; used to detect parallel
	// conflicts at composition time.
	Writes []string
}

// AgentStep runs an agent. The agent sees the workflow session with the
// current workflow state and never writes to it; its staged state delta is
// folded into the step delta instead.
type AgentStep struct {
	Name  string
	Agent *agent.Agent
	// Input builds the agent's prompt; defaults to StepInput.PreviousText.
	Input func(in StepInput) string
	// OutputKey stores the agent's output (structured data if any, else
	// text) under this state key.
	OutputKey string
}

// TeamStep runs a team, with the same contract as AgentStep.
type TeamStep struct {
	Name      string
	Team      *team.Team
	Input     func(in StepInput) string
	OutputKey string
}

// ConditionStep routes to Then or Else.
type ConditionStep struct {
	Name string
	If   Predicate
	Then []Step
	Else []Step
}

// RouterStep routes to the steps registered under the key Route returns,
// or to Default for unknown keys.
type RouterStep struct {
	Name    string
	Route   func(in StepInput) (string, error)
	Routes  map[string][]Step
	Default []Step
}

// LoopStep repeats Body until Until holds or MaxIterations is reached.
// Until is checked after every iteration.
type LoopStep struct {
	Name          string
	Body          []Step
	Until         Predicate
	MaxIterations int
}

// ParallelStep runs its branches concurrently, each against a snapshot of
// the state. Branch deltas are merged after all branches finish and must
// not overlap.
type ParallelStep struct {
	Name     string
	Branches [][]Step
}

func (s *FunctionStep) stepName() string  { return s.Name }
func (s *AgentStep) stepName() string     { return s.Name }
func (s *TeamStep) stepName() string      { return s.Name }
func (s *ConditionStep) stepName() string { return s.Name }
func (s *RouterStep) stepName() string    { return s.Name }
func (s *LoopStep) stepName() string      { return s.Name }
func (s *ParallelStep) stepName() string  { return s.Name }

func (s *FunctionStep) stepKind() string  { return KindFunction }
func (s *AgentStep) stepKind() string     { return KindAgent }
func (s *TeamStep) stepKind() string      { return KindTeam }
func (s *ConditionStep) stepKind() string { return KindCondition }
func (s *RouterStep) stepKind() string    { return KindRouter }
func (s *LoopStep) stepKind() string      { return KindLoop }
func (s *ParallelStep) stepKind() string  { return KindParallel }

// Function is shorthand for a FunctionStep.
func Function(name string, fn func(ctx context.Context, in StepInput) (StepOutput, error), writes ...string) *FunctionStep {
	return &FunctionStep{Name: name, Fn: fn, Writes: writes}
}

// Set returns a FunctionStep writing fixed values.
func Set(name string, values map[string]any) *FunctionStep {
	return &FunctionStep{
		Name:   name,
		Writes: slices.Sorted(maps.Keys(values)),
		Fn: func(context.Context, StepInput) (StepOutput, error) {
			return StepOutput{Output: maps.Clone(values), Delta: maps.Clone(values)}, nil
		},
	}
}
