package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// RenderTemplate renders instruction text against session state. The state
// is exposed as .state so templates read {{.state.user_name}}. Missing keys
// render as empty strings.
func RenderTemplate(text string, state map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("instruction").Option("missingkey=zero").Funcs(template.FuncMap{
		"default": func(defaultVal any, val any) any {
			if val == nil || val == "" {
				return defaultVal
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"join": func(sep string, items []any) string {
			strItems := make([]string, len(items))
			for i, item := range items {
				strItems[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(strItems, sep)
		},
	}).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse instruction template: %w", err)
	}

	if state == nil {
		state = map[string]any{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"state": state}); err != nil {
		return "", fmt.Errorf("render instruction template: %w", err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
