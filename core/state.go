package core

// State is a step of the run state machine.
type State string

const (
	StateValidatingInput  State = "VALIDATING_INPUT"
	StateBuildingContext  State = "BUILDING_CONTEXT"
	StateInvokingModel    State = "INVOKING_MODEL"
	StateExecutingTools   State = "EXECUTING_TOOLS"
	StateValidatingOutput State = "VALIDATING_OUTPUT"
	StatePersisting       State = "PERSISTING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"

	// Coordination states used by teams and workflows.
	StateDelegating State = "DELEGATING"
	StateStepping   State = "STEPPING"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }
