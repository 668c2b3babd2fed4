package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Conversation roles used in Content.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g., JSON object map).
type DataPart struct {
	Data     map[string]any
	Metadata map[string]any
}

func (DataPart) isPart() {}

// FilePart is a file attachment segment.
type FilePart struct {
	File     FilePartFile
	Metadata map[string]any
}

func (FilePart) isPart() {}

// FilePartFile references file contents either inline or by URI.
type FilePartFile struct {
	Bytes    string `json:"bytes,omitempty"` // Base64 encoded contents (if inlined)
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// FunctionCall describes a tool/function invocation request.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // JSON encoded argument object
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
	Metadata     map[string]any
}

func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"` // Matches originating FunctionCall ID
	Name     string `json:"name"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"` // Populated on failure or denial
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
	Metadata         map[string]any
}

func (FunctionResponsePart) isPart() {}

// Content holds role + ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// NewTextContent builds a single text part content for role.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// FunctionCalls returns the function call parts in order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the function response parts in order.
func (c Content) FunctionResponses() []FunctionResponse {
	var res []FunctionResponse
	for _, p := range c.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			res = append(res, fr.FunctionResponse)
		}
	}
	return res
}

// Clone returns a copy whose Parts slice can be modified independently.
func (c Content) Clone() Content {
	parts := make([]Part, len(c.Parts))
	copy(parts, c.Parts)
	return Content{Role: c.Role, Parts: parts}
}

type partJSON struct {
	Type             string            `json:"type"`
	Text             string            `json:"text,omitempty"`
	Data             map[string]any    `json:"data,omitempty"`
	File             *FilePartFile     `json:"file,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// MarshalJSON encodes parts with an explicit type discriminator.
func (c Content) MarshalJSON() ([]byte, error) {
	parts := make([]partJSON, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch v := p.(type) {
		case TextPart:
			parts = append(parts, partJSON{Type: "text", Text: v.Text, Metadata: v.Metadata})
		case DataPart:
			parts = append(parts, partJSON{Type: "data", Data: v.Data, Metadata: v.Metadata})
		case FilePart:
			f := v.File
			parts = append(parts, partJSON{Type: "file", File: &f, Metadata: v.Metadata})
		case FunctionCallPart:
			fc := v.FunctionCall
			parts = append(parts, partJSON{Type: "function_call", FunctionCall: &fc, Metadata: v.Metadata})
		case FunctionResponsePart:
			fr := v.FunctionResponse
			parts = append(parts, partJSON{Type: "function_response", FunctionResponse: &fr, Metadata: v.Metadata})
		default:
			return nil, fmt.Errorf("unsupported part type %T", p)
		}
	}

	return json.Marshal(struct {
		Role  string     `json:"role,omitempty"`
		Parts []partJSON `json:"parts"`
	}{Role: c.Role, Parts: parts})
}

// UnmarshalJSON decodes parts produced by MarshalJSON.
func (c *Content) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role  string     `json:"role,omitempty"`
		Parts []partJSON `json:"parts"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	c.Role = raw.Role
	c.Parts = make([]Part, 0, len(raw.Parts))

	for _, p := range raw.Parts {
		switch p.Type {
		case "text":
			c.Parts = append(c.Parts, TextPart{Text: p.Text, Metadata: p.Metadata})
		case "data":
			c.Parts = append(c.Parts, DataPart{Data: p.Data, Metadata: p.Metadata})
		case "file":
			if p.File == nil {
				return fmt.Errorf("file part without file")
			}
			c.Parts = append(c.Parts, FilePart{File: *p.File, Metadata: p.Metadata})
		case "function_call":
			if p.FunctionCall == nil {
				return fmt.Errorf("function_call part without call")
			}
			c.Parts = append(c.Parts, FunctionCallPart{FunctionCall: *p.FunctionCall, Metadata: p.Metadata})
		case "function_response":
			if p.FunctionResponse == nil {
				return fmt.Errorf("function_response part without response")
			}
			c.Parts = append(c.Parts, FunctionResponsePart{FunctionResponse: *p.FunctionResponse, Metadata: p.Metadata})
		default:
			return fmt.Errorf("unknown part type %q", p.Type)
		}
	}

	return nil
}
