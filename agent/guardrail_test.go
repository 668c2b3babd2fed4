package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
)

func TestApplyGuardrailsThreadsRewrites(t *testing.T) {
	upper := Guardrail{Name: "upper", Input: func(c core.Content) GuardrailResult {
		return RewriteText("", strings.ToUpper(c.Text()))
	}}
	suffix := Guardrail{Name: "suffix", Input: func(c core.Content) GuardrailResult {
		return RewriteText(core.RoleUser, c.Text()+"!")
	}}
	outputOnly := Guardrail{Name: "output-only", Output: func(core.Content) GuardrailResult {
		return Reject("never")
	}}

	got, err := applyGuardrails([]Guardrail{upper, outputOnly, suffix}, core.NewTextContent(core.RoleUser, "hello"), false)
	require.NoError(t, err)
	assert.Equal(t, "HELLO!", got.Text())
	assert.Equal(t, core.RoleUser, got.Role)
}

func TestApplyGuardrailsRejectStops(t *testing.T) {
	called := false
	reject := Guardrail{Name: "pii", Output: func(core.Content) GuardrailResult { return Reject("contains email") }}
	after := Guardrail{Name: "after", Output: func(core.Content) GuardrailResult {
		called = true
		return Allow()
	}}

	_, err := applyGuardrails([]Guardrail{reject, after}, core.NewTextContent(core.RoleAssistant, "a@b.c"), true)

	var ge *GuardrailError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "pii", ge.Guardrail)
	assert.Equal(t, "contains email", ge.Reason)
	assert.False(t, called)
}

func TestGuardrailActionString(t *testing.T) {
	assert.Equal(t, "allow", GuardrailAllow.String())
	assert.Equal(t, "rewrite", GuardrailRewrite.String())
	assert.Equal(t, "reject", GuardrailReject.String())
}
