package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

// Registry maps tool names to implementations. Registration normally
// happens at setup; lookups and invocations are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry pre-populated with tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}

	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds t. A second tool with the same name fails with DuplicateTool.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("%w: tool has no name", core.KindInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: %s", core.KindDuplicateTool, t.Name())
	}

	r.tools[t.Name()] = t

	return nil
}

// Resolve looks a tool up by name. Unknown names fail with UnknownTool.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.KindUnknownTool, name)
	}

	return t, nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Definitions returns the model-facing declarations sorted by name.
func (r *Registry) Definitions() []model.ToolDefinition {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, Definition(r.tools[name]))
	}

	return defs
}

// Invoke executes t for the call bound to tc. Argument decoding failures,
// tool errors and panics are returned as error content rather than raised.
func (r *Registry) Invoke(tc *core.ToolContext, t Tool, call core.FunctionCall) core.FunctionResponse {
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return ErrorResponse(call, core.KindToolFailure, err.Error())
	}

	var result any

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = &ToolError{Tool: call.Name, Message: fmt.Sprintf("panic: %v", rec), Code: CodePanic, Details: string(debug.Stack())}
				tc.LogError("tool.call.panic", "tool", call.Name, "recover", rec)
			}
		}()

		result, err = t.Call(tc, args)
	}()

	if err != nil {
		return ErrorResponse(call, core.KindToolFailure, errorMessage(err))
	}

	return core.FunctionResponse{ID: call.ID, Name: call.Name, Response: result}
}

func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}

	if args == nil {
		args = map[string]any{}
	}

	return args, nil
}

func errorMessage(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		if toolErr.Code != "" {
			return fmt.Sprintf("[%s] %s", toolErr.Code, toolErr.Message)
		}
		return toolErr.Message
	}
	return err.Error()
}
