package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures and warnings. It implements error so a kind
// can be matched directly with errors.Is against RunError and WorkflowError.
type ErrorKind string

// Error implements error.
func (k ErrorKind) Error() string { return string(k) }

const (
	KindInvalidInput            ErrorKind = "InvalidInput"
	KindInvalidOutput           ErrorKind = "InvalidOutput"
	KindKnowledgeUnavailable    ErrorKind = "KnowledgeUnavailable"
	KindToolDenied              ErrorKind = "ToolDenied"
	KindUnknownTool             ErrorKind = "UnknownTool"
	KindDuplicateTool           ErrorKind = "DuplicateTool"
	KindToolFailure             ErrorKind = "ToolFailure"
	KindToolLoopExceeded        ErrorKind = "ToolLoopExceeded"
	KindDelegationLimitExceeded ErrorKind = "DelegationLimitExceeded"
	KindStateConflict           ErrorKind = "StateConflict"
	KindInvalidWorkflow         ErrorKind = "InvalidWorkflow"
	KindCancelled               ErrorKind = "Cancelled"
	KindModelFailure            ErrorKind = "ModelFailure"
	KindPersistenceFailure      ErrorKind = "PersistenceFailure"
	KindCompressionFailed       ErrorKind = "CompressionFailed"

	// KindStepFailure is a workflow function step returning an error that
	// carries no kind of its own.
	KindStepFailure ErrorKind = "StepFailure"
)

// Fatal reports whether the kind terminates a run. Warning kinds are absorbed
// and attached to results instead.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindKnowledgeUnavailable, KindToolDenied, KindToolFailure, KindDelegationLimitExceeded, KindCompressionFailed:
		return false
	default:
		return true
	}
}

var (
	// ErrSessionNotFound is returned by SessionStore.Load for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionUserMismatch is returned when a write targets a session owned by another user.
	ErrSessionUserMismatch = errors.New("session belongs to another user")
	// ErrMemoryNotFound is returned when deleting an unknown memory record.
	ErrMemoryNotFound = errors.New("memory not found")
)

// Warning is a non-fatal condition absorbed during a run and surfaced on its result.
type Warning struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
}

// String renders "Kind: message".
func (w Warning) String() string {
	if w.Message == "" {
		return string(w.Kind)
	}
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// RunError is the structured failure of an agent, team or workflow run. It
// carries the state in which the failure happened and the triggering kind.
type RunError struct {
	Kind     ErrorKind
	State    State
	RunID    string
	Author   string
	Err      error
	Warnings []Warning
}

// NewRunError constructs a RunError.
func NewRunError(kind ErrorKind, state State, err error) *RunError {
	return &RunError{Kind: kind, State: state, Err: err}
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run failed in %s", e.State)
	if e.Author != "" {
		msg = e.Author + " " + msg
	}

	if e.Err == nil {
		return msg + ": " + string(e.Kind)
	}

	// Causes built as fmt.Errorf("%w: ...", kind) already lead with the kind.
	cause := e.Err.Error()
	if strings.HasPrefix(cause, string(e.Kind)) {
		return msg + ": " + cause
	}

	return msg + ": " + string(e.Kind) + ": " + cause
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error { return e.Err }

// Is matches ErrorKind targets against the error's kind.
func (e *RunError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// WorkflowError reports composition or merge failures of a workflow.
type WorkflowError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *WorkflowError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s at step %q: %v", e.Kind, e.Step, e.Err)
}

// Unwrap returns the underlying cause.
func (e *WorkflowError) Unwrap() error { return e.Err }

// Is matches ErrorKind targets against the error's kind.
func (e *WorkflowError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}

	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}

	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}

	return ""
}
