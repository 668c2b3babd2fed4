package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

const defaultSummaryInstructions = `Summarize the conversation below in a few sentences.
Keep facts, decisions and open questions; drop greetings and filler.`

// ModelSummarizer summarizes runs with a model call.
type ModelSummarizer struct {
	Model        model.Model
	Instructions string
	Params       map[string]any
}

// NewModelSummarizer creates a summarizer using m.
func NewModelSummarizer(m model.Model) *ModelSummarizer {
	return &ModelSummarizer{Model: m, Instructions: defaultSummaryInstructions}
}

// Summarize implements Summarizer.
func (s *ModelSummarizer) Summarize(ctx context.Context, runs []core.Run) (string, error) {
	if s.Model == nil {
		return "", errors.New("summarizer has no model")
	}

	resp, err := model.Collect(ctx, s.Model, model.Request{
		Instructions: s.Instructions,
		Contents:     []core.Content{core.NewTextContent(core.RoleUser, Transcript(runs))},
		Params:       s.Params,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	if resp == nil || strings.TrimSpace(resp.Content.Text()) == "" {
		return "", errors.New("summarize: empty summary")
	}

	return strings.TrimSpace(resp.Content.Text()), nil
}

// Transcript renders runs as a plain "role: text" transcript.
func Transcript(runs []core.Run) string {
	var b strings.Builder

	for _, r := range runs {
		fmt.Fprintf(&b, "user: %s\n", r.Input.Text())
		if r.Output != nil {
			fmt.Fprintf(&b, "%s: %s\n", r.Author, r.Output.Text())
		}
	}

	return b.String()
}
