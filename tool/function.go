package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/schema"
)

// FunctionOptions configures a FunctionTool.
type FunctionOptions struct {
	// Parameters overrides the reflected argument schema.
	Parameters map[string]any
	// RequireConfirmation gates every call behind the run's Approver.
	RequireConfirmation bool
}

// FunctionTool exposes a plain Go function as a tool.
//
// Arguments supplied by the model are validated against the tool's JSON
// schema before execution. Errors are normalized so callers receive
// *ToolError with consistent codes:
//
//	VALIDATION_ERROR  -> schema / argument mismatch
//	EXECUTION_ERROR   -> the function returned an error (non-ToolError)
//
// Custom codes are preserved when the function returns *ToolError directly.
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	schema      *schema.Schema
	confirm     bool
	fn          func(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// NewFunctionTool wraps a typed function. The argument schema is reflected
// from Args (json, description and enum tags); arguments are decoded into
// Args after validation.
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
//
//	sum, err := tool.NewFunctionTool("calculate_sum", "Calculate the sum of two numbers",
//	  func(tc *core.ToolContext, args SumArgs) (float64, error) {
//	    return args.A + args.B, nil
//	  })
func NewFunctionTool[Args, Result any](
	name, description string,
	fn func(toolCtx *core.ToolContext, args Args) (Result, error),
	optFns ...func(o *FunctionOptions),
) (*FunctionTool, error) {
	opts := FunctionOptions{Parameters: schema.For[Args]()}
	for _, f := range optFns {
		f(&opts)
	}

	return newFunctionTool(name, description, opts, func(tc *core.ToolContext, raw map[string]any) (any, error) {
		var args Args

		b, err := json.Marshal(raw)
		if err != nil {
			return nil, NewToolError(name, fmt.Sprintf("encode arguments: %v", err), CodeValidation)
		}

		if err := json.Unmarshal(b, &args); err != nil {
			return nil, NewToolError(name, fmt.Sprintf("decode arguments: %v", err), CodeValidation)
		}

		return fn(tc, args)
	})
}

// NewMapTool wraps a function working on raw argument maps with an explicit
// parameter schema.
func NewMapTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *core.ToolContext, args map[string]any) (any, error),
	optFns ...func(o *FunctionOptions),
) (*FunctionTool, error) {
	opts := FunctionOptions{Parameters: parameters}
	for _, f := range optFns {
		f(&opts)
	}

	return newFunctionTool(name, description, opts, fn)
}

// MustTool panics when tool construction fails. Intended for static setup.
func MustTool(t *FunctionTool, err error) *FunctionTool {
	if err != nil {
		panic(err)
	}
	return t
}

func newFunctionTool(name, description string, opts FunctionOptions, fn func(*core.ToolContext, map[string]any) (any, error)) (*FunctionTool, error) {
	if name == "" {
		return nil, errors.New("tool name is required")
	}

	params := opts.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	compiled, err := schema.Compile(params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  params,
		schema:      compiled,
		confirm:     opts.RequireConfirmation,
		fn:          fn,
	}, nil
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// RequiresConfirmation implements Confirmable.
func (t *FunctionTool) RequiresConfirmation() bool { return t.confirm }

// Call validates the provided args against the declared schema then invokes
// the underlying function.
func (t *FunctionTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	start := time.Now()

	toolCtx.LogDebug("tool.call.start", "tool", t.name, "fc_id", toolCtx.FunctionCallID())

	if args == nil {
		args = map[string]any{}
	}

	if err := t.schema.Validate(args); err != nil {
		toolCtx.LogWarn("tool.call.validation_failed", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err.Error(),
		}
	}

	result, err := t.fn(toolCtx, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			toolCtx.LogError("tool.call.error", "tool", t.name, "error", toolErr.Message)

			return nil, toolErr
		}

		toolCtx.LogError("tool.call.error", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
		}
	}

	toolCtx.LogInfo("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
