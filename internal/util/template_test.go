package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		state map[string]any
		want  string
	}{
		{"plain", "Be helpful.", nil, "Be helpful."},
		{"state value", "Hello {{.state.name}}!", map[string]any{"name": "Ada"}, "Hello Ada!"},
		{"missing key", "Hello {{.state.name}}!", nil, "Hello !"},
		{"default", `Tone: {{default "neutral" .state.tone}}`, nil, "Tone: neutral"},
		{"no html escaping", "{{.state.q}}", map[string]any{"q": "a < b & c"}, "a < b & c"},
		{"join", `{{join ", " .state.items}}`, map[string]any{"items": []any{"x", 1}}, "x, 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderTemplate(tt.text, tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderTemplateParseError(t *testing.T) {
	_, err := RenderTemplate("{{.state.x", nil)
	assert.Error(t, err)
}
