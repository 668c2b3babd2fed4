package core

import (
	"maps"
	"time"
)

// Input is what a caller hands to an agent, team or workflow run.
type Input struct {
	SessionID string
	UserID    string
	Content   Content
	// Data carries a structured payload validated against an input schema.
	// When nil and a schema is configured, the text content is parsed as JSON.
	Data any
	// Ephemeral runs read the session for context but never write to it.
	Ephemeral bool
	// Snapshot, when set, is used as the context session instead of loading
	// SessionID from the store. Runs with a snapshot never write to a
	// session; teams and workflows use it to share their session read-only.
	Snapshot *Session
}

// TextInput builds a user text input.
func TextInput(text string) Input {
	return Input{Content: NewTextContent(RoleUser, text)}
}

// RunStatus is the persisted outcome of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunMetrics aggregates cost and latency figures of one run.
type RunMetrics struct {
	Latency      time.Duration `json:"latency"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	ModelCalls   int           `json:"model_calls"`
	ToolCalls    int           `json:"tool_calls"`
}

// Add accumulates o into m, except for Latency.
func (m *RunMetrics) Add(o RunMetrics) {
	m.InputTokens += o.InputTokens
	m.OutputTokens += o.OutputTokens
	m.ModelCalls += o.ModelCalls
	m.ToolCalls += o.ToolCalls
}

// Run is the immutable record of one execution persisted into a session.
type Run struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id,omitempty"`
	Author     string         `json:"author"`
	Status     RunStatus      `json:"status"`
	Input      Content        `json:"input"`
	Context    []Content      `json:"context,omitempty"`
	Output     *Content       `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Warnings   []Warning      `json:"warnings,omitempty"`
	StateDelta map[string]any `json:"state_delta,omitempty"`
	Metrics    RunMetrics     `json:"metrics"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a deep enough copy for independent mutation of slices and maps.
func (r Run) Clone() Run {
	c := r
	c.Input = r.Input.Clone()
	if r.Context != nil {
		c.Context = make([]Content, len(r.Context))
		for i, ct := range r.Context {
			c.Context[i] = ct.Clone()
		}
	}
	if r.Output != nil {
		out := r.Output.Clone()
		c.Output = &out
	}
	if r.Warnings != nil {
		c.Warnings = append([]Warning(nil), r.Warnings...)
	}
	if r.StateDelta != nil {
		c.StateDelta = maps.Clone(r.StateDelta)
	}
	return c
}

// RunResult is what a successful run returns. It never carries an error:
// failures are reported as *RunError instead.
type RunResult struct {
	RunID      string         `json:"run_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Author     string         `json:"author"`
	Content    Content        `json:"content"`
	Data       any            `json:"data,omitempty"` // schema-validated structured output
	Warnings   []Warning      `json:"warnings,omitempty"`
	Metrics    RunMetrics     `json:"metrics"`
	StateDelta map[string]any `json:"state_delta,omitempty"`
}

// Text returns the concatenated text output.
func (r *RunResult) Text() string {
	if r == nil {
		return ""
	}
	return r.Content.Text()
}

// HasWarning reports whether a warning of kind k was recorded.
func (r *RunResult) HasWarning(k ErrorKind) bool {
	if r == nil {
		return false
	}
	for _, w := range r.Warnings {
		if w.Kind == k {
			return true
		}
	}
	return false
}
