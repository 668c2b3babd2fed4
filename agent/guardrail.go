package agent

import (
	"fmt"

	"github.com/hupe1980/agentcrew/core"
)

// GuardrailAction is the verdict of a guardrail check.
type GuardrailAction int

const (
	// GuardrailAllow passes the content through unchanged.
	GuardrailAllow GuardrailAction = iota
	// GuardrailRewrite replaces the content.
	GuardrailRewrite
	// GuardrailReject fails the run.
	GuardrailReject
)

func (a GuardrailAction) String() string {
	switch a {
	case GuardrailRewrite:
		return "rewrite"
	case GuardrailReject:
		return "reject"
	default:
		return "allow"
	}
}

// GuardrailResult is returned by guardrail functions.
type GuardrailResult struct {
	Action  GuardrailAction
	Content core.Content // replacement for GuardrailRewrite
	Reason  string       // explanation for GuardrailReject
}

// Allow lets the content pass.
func Allow() GuardrailResult { return GuardrailResult{Action: GuardrailAllow} }

// Rewrite replaces the content with c.
func Rewrite(c core.Content) GuardrailResult {
	return GuardrailResult{Action: GuardrailRewrite, Content: c}
}

// RewriteText replaces the content with a single text part, keeping the role.
func RewriteText(role, text string) GuardrailResult {
	return Rewrite(core.NewTextContent(role, text))
}

// Reject fails the run with reason.
func Reject(reason string) GuardrailResult {
	return GuardrailResult{Action: GuardrailReject, Reason: reason}
}

// Guardrail checks run input before the model sees it and run output
// before it is returned. Either function may be nil. Guardrails must be pure:
// they are called concurrently by parallel runs.
type Guardrail struct {
	Name   string
	Input  func(core.Content) GuardrailResult
	Output func(core.Content) GuardrailResult
}

// GuardrailError reports a rejection. It is the cause wrapped by the
// run's InvalidInput or InvalidOutput error.
type GuardrailError struct {
	Guardrail string
	Reason    string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %q rejected: %s", e.Guardrail, e.Reason)
}

// applyGuardrails runs the selected check of every guardrail in order,
// threading rewrites through.
func applyGuardrails(guardrails []Guardrail, c core.Content, output bool) (core.Content, error) {
	for _, g := range guardrails {
		check := g.Input
		if output {
			check = g.Output
		}

		if check == nil {
			continue
		}

		res := check(c)
		switch res.Action {
		case GuardrailReject:
			return c, &GuardrailError{Guardrail: g.Name, Reason: res.Reason}
		case GuardrailRewrite:
			next := res.Content.Clone()
			if next.Role == "" {
				next.Role = c.Role
			}
			c = next
		}
	}

	return c, nil
}
