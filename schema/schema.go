// Package schema compiles JSON Schema documents and validates structured
// input, output and tool arguments against them. Schemas can be written by
// hand as maps or generated from Go structs with For / Reflect.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports a payload that does not conform to a schema.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema validation failed: %s: %v", e.Message, e.Err)
	}
	return "schema validation failed: " + e.Message
}

// Unwrap returns the underlying validator error.
func (e *ValidationError) Unwrap() error { return e.Err }

// Schema is a compiled JSON Schema document. It is safe for concurrent use.
type Schema struct {
	doc      map[string]any
	compiled *jsonschema.Schema
}

// Compile compiles a schema document. The document may contain Go typed
// values such as []string; it is normalized through JSON first.
func Compile(doc map[string]any) (*Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	return Parse(b)
}

// Parse compiles a schema from its JSON encoding.
func Parse(b []byte) (*Schema, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("schema must be a JSON object: %w", err)
	}

	return &Schema{doc: doc, compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. Intended for package level
// schema literals.
func MustCompile(doc map[string]any) *Schema {
	s, err := Compile(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Doc returns the JSON decoded schema document.
func (s *Schema) Doc() map[string]any { return s.doc }

// Validate checks v against the schema. v may be any JSON encodable value;
// it is normalized through JSON so structs and typed slices validate the
// same way as decoded payloads.
func (s *Schema) Validate(v any) error {
	normalized, err := normalize(v)
	if err != nil {
		return &ValidationError{Message: "payload is not JSON encodable", Err: err}
	}

	if err := s.compiled.Validate(normalized); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Message: strings.TrimSpace(verr.Error()), Err: err}
		}
		return &ValidationError{Message: "invalid payload", Err: err}
	}

	return nil
}

// ValidateJSON decodes text as JSON, tolerating a surrounding markdown code
// fence, validates it and returns the decoded value.
func (s *Schema) ValidateJSON(text string) (any, error) {
	v, err := DecodeJSON(text)
	if err != nil {
		return nil, &ValidationError{Message: "output is not valid JSON", Err: err}
	}

	if err := s.Validate(v); err != nil {
		return nil, err
	}

	return v, nil
}

// DecodeJSON parses text as JSON after stripping an optional ``` fence.
func DecodeJSON(text string) (any, error) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if nl := strings.IndexByte(t, '\n'); nl >= 0 {
			t = t[nl+1:] // drop language tag line
		}
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	}

	var v any
	if err := json.Unmarshal([]byte(t), &v); err != nil {
		return nil, err
	}

	return v, nil
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
