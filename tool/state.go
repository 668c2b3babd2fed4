package tool

import (
	"fmt"

	"github.com/hupe1980/agentcrew/core"
)

// StateTool lets a model read and stage session state values. Writes are
// staged on the run and committed when the run persists.
type StateTool struct {
	keys map[string]bool
}

// NewStateTool creates the session state tool. When keys are given, only
// those keys may be read or written.
func NewStateTool(keys ...string) *StateTool {
	t := &StateTool{}
	if len(keys) > 0 {
		t.keys = make(map[string]bool, len(keys))
		for _, k := range keys {
			t.keys[k] = true
		}
	}
	return t
}

// Name returns the tool identifier.
func (t *StateTool) Name() string { return "session_state" }

// Description returns the tool description.
func (t *StateTool) Description() string {
	return "Reads or writes a value in the conversation's session state. " +
		"Supports operations: get_state, set_state."
}

// Parameters returns the JSON schema for tool parameters.
func (t *StateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"get_state", "set_state"},
				"description": "The state operation to perform",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "State key",
			},
			"value": map[string]any{
				"description": "Value for set_state (any type)",
			},
		},
		"required": []string{"operation", "key"},
	}
}

// Call implements Tool.
func (t *StateTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	operation, _ := args["operation"].(string)

	key, _ := args["key"].(string)
	if key == "" {
		return nil, NewToolError(t.Name(), "key parameter is required", CodeValidation)
	}

	if t.keys != nil && !t.keys[key] {
		return nil, NewToolError(t.Name(), fmt.Sprintf("key %q is not accessible", key), CodeValidation)
	}

	switch operation {
	case "get_state":
		value, found := toolCtx.GetState(key)
		return map[string]any{"key": key, "value": value, "found": found}, nil
	case "set_state":
		value, ok := args["value"]
		if !ok {
			return nil, NewToolError(t.Name(), "value parameter is required for set_state", CodeValidation)
		}
		toolCtx.SetState(key, value)
		return map[string]any{"key": key, "stored": true}, nil
	default:
		return nil, NewToolError(t.Name(), fmt.Sprintf("unknown operation: %s", operation), CodeValidation)
	}
}
