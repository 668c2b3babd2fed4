package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a notification in a run's ordered event sequence.
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventStateChanged       EventType = "state.changed"
	EventContentDelta       EventType = "content.delta"
	EventModelResponse      EventType = "model.response"
	EventToolConfirmation   EventType = "tool.confirmation_required"
	EventToolStarted        EventType = "tool.started"
	EventToolFinished       EventType = "tool.finished"
	EventWarning            EventType = "warning"
	EventDelegationStarted  EventType = "delegation.started"
	EventDelegationFinished EventType = "delegation.finished"
	EventStepStarted        EventType = "step.started"
	EventStepCompleted      EventType = "step.completed"
	EventStepSkipped        EventType = "step.skipped"
	EventRunCompleted       EventType = "run.completed"
	EventRunFailed          EventType = "run.failed"
)

// Event is the primary unit of communication between runs and their
// callers. After emission it should be treated as immutable. Content is nil
// for control events. The terminal event of every run is either
// EventRunCompleted (Result set) or EventRunFailed (Err set).
type Event struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	Author           string            `json:"author"`
	Type             EventType         `json:"type"`
	State            State             `json:"state,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Content          *Content          `json:"content,omitempty"`
	Partial          bool              `json:"partial,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	Warning          *Warning          `json:"warning,omitempty"`
	Step             string            `json:"step,omitempty"`
	Result           *RunResult        `json:"result,omitempty"`
	Err              error             `json:"-"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a bare event of type t authored by author within runID.
func NewEvent(runID, author string, t EventType) Event {
	return Event{
		ID:        NewID(),
		RunID:     runID,
		Author:    author,
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// NewStateEvent reports a state machine transition.
func NewStateEvent(runID, author string, s State) Event {
	e := NewEvent(runID, author, EventStateChanged)
	e.State = s
	return e
}

// NewDeltaEvent carries a partial streaming text chunk.
func NewDeltaEvent(runID, author, text string) Event {
	e := NewEvent(runID, author, EventContentDelta)
	c := NewTextContent(RoleAssistant, text)
	e.Content = &c
	e.Partial = true
	return e
}

// NewWarningEvent reports an absorbed non-fatal condition.
func NewWarningEvent(runID, author string, w Warning) Event {
	e := NewEvent(runID, author, EventWarning)
	e.Warning = &w
	return e
}

// NewFailedEvent is the terminal event of a failed run.
func NewFailedEvent(runID, author string, err error) Event {
	e := NewEvent(runID, author, EventRunFailed)
	e.State = StateFailed
	e.Err = err
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// NewCompletedEvent is the terminal event of a successful run.
func NewCompletedEvent(runID, author string, res *RunResult) Event {
	e := NewEvent(runID, author, EventRunCompleted)
	e.State = StateDone
	e.Result = res
	if res != nil {
		c := res.Content
		e.Content = &c
	}
	return e
}

// NewID generates a new unique identifier.
func NewID() string { return uuid.NewString() }

// IsTerminal reports whether e ends its run's event sequence.
func (e Event) IsTerminal() bool {
	return e.Type == EventRunCompleted || e.Type == EventRunFailed
}
