// Package tool implements the function calling subsystem that lets agents
// invoke structured capabilities with schema validated arguments, a
// confirmation gate and uniform error content.
package tool

import (
	"fmt"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

// Tool defines the interface for extending agent capabilities with external functions.
//
// Tool implementations should provide a descriptive snake_case name, a JSON
// schema for their parameters and be safe for concurrent use: a model turn
// may request several calls that execute in parallel.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description passed to the model.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool with already decoded arguments.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Confirmable is implemented by tools that must be approved before every call.
type Confirmable interface {
	RequiresConfirmation() bool
}

// RequiresConfirmation reports whether t opts into the confirmation gate.
func RequiresConfirmation(t Tool) bool {
	c, ok := t.(Confirmable)
	return ok && c.RequiresConfirmation()
}

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodePanic      = "PANIC"
	CodeDenied     = "DENIED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Definition converts a tool into the declaration sent to models.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ErrorResponse builds the structured error content returned to the model
// in place of a tool result.
func ErrorResponse(call core.FunctionCall, kind core.ErrorKind, message string) core.FunctionResponse {
	return core.FunctionResponse{
		ID:   call.ID,
		Name: call.Name,
		Response: map[string]any{
			"error": map[string]any{
				"kind":    string(kind),
				"message": message,
			},
		},
		Error: message,
	}
}
