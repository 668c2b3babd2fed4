package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentcrew/core"
)

// Well known keys of Request.Params understood by the bundled adapters.
// Unknown keys are passed through where the provider allows it.
const (
	ParamTemperature = "temperature"
	ParamMaxTokens   = "max_tokens"
	ParamTopP        = "top_p"
	ParamStop        = "stop"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input assembled by the run engine.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
	// Params is an opaque bag of provider generation settings.
	Params map[string]any `json:"params,omitempty"`
}

// Float returns a numeric param.
func (r Request) Float(key string) (float64, bool) {
	switch v := r.Params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns an integer param.
func (r Request) Int(key string) (int64, bool) {
	switch v := r.Params[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Strings returns a string list param; a single string is accepted too.
func (r Request) Strings(key string) ([]string, bool) {
	switch v := r.Params[key].(type) {
	case []string:
		return v, true
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, fmt.Sprint(s))
		}
		return out, true
	default:
		return nil, false
	}
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Exactly one
// non-partial response terminates a successful generation.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the run engine to drive generation.
// Implementations close both channels when generation ends and send at most
// one error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call and returns the final response. Partial
// chunks are passed to onPartial when it is non-nil.
func Collect(ctx context.Context, m Model, req Request, onPartial func(Response) error) (*Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var final *Response

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				if onPartial != nil {
					if err := onPartial(r); err != nil {
						return nil, err
					}
				}
				continue
			}
			rr := r
			final = &rr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}

	if final == nil {
		return nil, fmt.Errorf("model %s returned no final response", m.Info().Name)
	}

	return final, nil
}
