package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City  string   `json:"city" description:"City name"`
	Unit  string   `json:"unit,omitempty" enum:"celsius, fahrenheit"`
	Days  *int     `json:"days,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	inner int
}

func TestReflect(t *testing.T) {
	s := For[weatherArgs]()

	assert.Equal(t, "object", s["type"])
	props := s["properties"].(map[string]any)
	assert.Len(t, props, 4)
	assert.Equal(t, "City name", props["city"].(map[string]any)["description"])
	assert.Equal(t, []string{"celsius", "fahrenheit"}, props["unit"].(map[string]any)["enum"])
	assert.Equal(t, "integer", props["days"].(map[string]any)["type"])
	assert.Equal(t, map[string]any{"type": "string"}, props["tags"].(map[string]any)["items"])
	assert.Equal(t, []string{"city"}, s["required"])
}

func TestReflectNonStruct(t *testing.T) {
	assert.Equal(t, "object", Reflect(42)["type"])
	assert.Equal(t, "object", Reflect(nil)["type"])
}

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile(For[weatherArgs]())
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload any
		wantErr bool
	}{
		{"valid map", map[string]any{"city": "Berlin", "unit": "celsius"}, false},
		{"valid struct", weatherArgs{City: "Paris"}, false},
		{"missing required", map[string]any{"unit": "celsius"}, true},
		{"bad enum", map[string]any{"city": "Rome", "unit": "kelvin"}, true},
		{"wrong type", map[string]any{"city": 12}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.payload)
			if tt.wantErr {
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateJSONAcceptsFencedOutput(t *testing.T) {
	s := MustCompile(map[string]any{
		"type":       "object",
		"properties": map[string]any{"answer": map[string]any{"type": "string"}},
		"required":   []string{"answer"},
	})

	v, err := s.ValidateJSON("```json\n{\"answer\": \"42\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "42", v.(map[string]any)["answer"])

	_, err = s.ValidateJSON("the answer is 42")
	assert.Error(t, err)

	_, err = s.ValidateJSON(`{"other": 1}`)
	assert.Error(t, err)
}

func TestParseRejectsInvalidSchema(t *testing.T) {
	_, err := Parse([]byte(`{"type": 12}`))
	assert.Error(t, err)
}
