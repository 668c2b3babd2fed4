package workflow

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hupe1980/agentcrew/core"
)

func invalid(step, format string, args ...any) error {
	return &core.WorkflowError{Kind: core.KindInvalidWorkflow, Step: step, Err: fmt.Errorf(format, args...)}
}

// validate checks the composition rules and returns the first violation.
func validate(steps []Step) error {
	if len(steps) == 0 {
		return invalid("", "workflow has no steps")
	}

	seen := map[string]bool{}

	return validateSeq(steps, seen)
}

func validateSeq(steps []Step, seen map[string]bool) error {
	for i, s := range steps {
		if err := validateStep(s, i, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s Step, index int, seen map[string]bool) error {
	if isNil(s) {
		return invalid("", "step %d is nil", index)
	}

	name := s.stepName()
	if name == "" {
		return invalid("", "step %d has no name", index)
	}

	if strings.ContainsAny(name, "/#") {
		return invalid(name, "step names must not contain '/' or '#'")
	}

	if seen[name] {
		return invalid(name, "duplicate step name")
	}
	seen[name] = true

	switch st := s.(type) {
	case *FunctionStep:
		if st.Fn == nil {
			return invalid(name, "function step has no function")
		}
	case *AgentStep:
		if st.Agent == nil {
			return invalid(name, "agent step has no agent")
		}
	case *TeamStep:
		if st.Team == nil {
			return invalid(name, "team step has no team")
		}
	case *ConditionStep:
		if st.If == nil {
			return invalid(name, "condition step has no predicate")
		}
		if err := validateSeq(st.Then, seen); err != nil {
			return err
		}
		return validateSeq(st.Else, seen)
	case *RouterStep:
		if st.Route == nil {
			return invalid(name, "router step has no route function")
		}
		if len(st.Routes) == 0 && len(st.Default) == 0 {
			return invalid(name, "router step has no routes")
		}
		for _, key := range slices.Sorted(maps.Keys(st.Routes)) {
			if err := validateSeq(st.Routes[key], seen); err != nil {
				return err
			}
		}
		return validateSeq(st.Default, seen)
	case *LoopStep:
		if st.MaxIterations <= 0 {
			return invalid(name, "loop step needs MaxIterations > 0")
		}
		if len(st.Body) == 0 {
			return invalid(name, "loop step has an empty body")
		}
		return validateSeq(st.Body, seen)
	case *ParallelStep:
		if len(st.Branches) == 0 {
			return invalid(name, "parallel step has no branches")
		}
		for i, b := range st.Branches {
			if len(b) == 0 {
				return invalid(name, "parallel branch %d is empty", i)
			}
			if err := validateSeq(b, seen); err != nil {
				return err
			}
		}
	default:
		return invalid(name, "unsupported step type %T", s)
	}

	return nil
}

func isNil(s Step) bool {
	switch st := s.(type) {
	case nil:
		return true
	case *FunctionStep:
		return st == nil
	case *AgentStep:
		return st == nil
	case *TeamStep:
		return st == nil
	case *ConditionStep:
		return st == nil
	case *RouterStep:
		return st == nil
	case *LoopStep:
		return st == nil
	case *ParallelStep:
		return st == nil
	default:
		return false
	}
}

// checkConflicts fails with StateConflict when two branches of a parallel
// step statically write the same key. It expects a validated graph.
func checkConflicts(steps []Step) error {
	for _, s := range steps {
		if err := checkStepConflicts(s); err != nil {
			return err
		}
	}
	return nil
}

func checkStepConflicts(s Step) error {
	switch st := s.(type) {
	case *ConditionStep:
		if err := checkConflicts(st.Then); err != nil {
			return err
		}
		return checkConflicts(st.Else)
	case *RouterStep:
		for _, key := range slices.Sorted(maps.Keys(st.Routes)) {
			if err := checkConflicts(st.Routes[key]); err != nil {
				return err
			}
		}
		return checkConflicts(st.Default)
	case *LoopStep:
		return checkConflicts(st.Body)
	case *ParallelStep:
		owner := map[string]int{}

		for i, b := range st.Branches {
			if err := checkConflicts(b); err != nil {
				return err
			}

			for key := range writeSet(b) {
				if j, ok := owner[key]; ok {
					return &core.WorkflowError{
						Kind: core.KindStateConflict,
						Step: st.Name,
						Err:  fmt.Errorf("branches %d and %d both write %q", j, i, key),
					}
				}
				owner[key] = i
			}
		}
	}

	return nil
}

// writeSet collects the statically known state keys a sequence may write.
func writeSet(steps []Step) map[string]bool {
	keys := map[string]bool{}

	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			switch st := s.(type) {
			case *FunctionStep:
				for _, k := range st.Writes {
					keys[k] = true
				}
			case *AgentStep:
				if st.OutputKey != "" {
					keys[st.OutputKey] = true
				}
			case *TeamStep:
				if st.OutputKey != "" {
					keys[st.OutputKey] = true
				}
			case *ConditionStep:
				walk(st.Then)
				walk(st.Else)
			case *RouterStep:
				for _, r := range st.Routes {
					walk(r)
				}
				walk(st.Default)
			case *LoopStep:
				walk(st.Body)
			case *ParallelStep:
				for _, b := range st.Branches {
					walk(b)
				}
			}
		}
	}

	walk(steps)

	return keys
}
