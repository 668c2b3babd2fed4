package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hupe1980/agentcrew/core"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("36"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	contentStyle = lipgloss.NewStyle().
			PaddingLeft(2)
)

// renderer prints a run's event sequence as it arrives.
type renderer struct {
	w        io.Writer
	verbose  bool
	streamed bool
}

func newRenderer(w io.Writer, verbose bool) *renderer {
	return &renderer{w: w, verbose: verbose}
}

// consume drains events and returns the run's outcome.
func (r *renderer) consume(events <-chan core.Event) (*core.RunResult, error) {
	var (
		res *core.RunResult
		err error
	)

	for ev := range events {
		switch ev.Type {
		case core.EventRunCompleted:
			res = ev.Result
			r.completed(ev)
		case core.EventRunFailed:
			err = ev.Err
			if err == nil {
				err = errors.New(ev.ErrorMessage)
			}
			r.failed(err)
		default:
			r.event(ev)
		}
	}

	return res, err
}

func (r *renderer) event(ev core.Event) {
	switch ev.Type {
	case core.EventContentDelta:
		if ev.Content == nil {
			return
		}
		if !r.streamed {
			r.println(assistantStyle.Render(ev.Author + ":"))
			r.streamed = true
		}
		_, _ = io.WriteString(r.w, ev.Content.Text())
	case core.EventToolConfirmation:
		if ev.FunctionCall != nil {
			r.println(toolStyle.Render(fmt.Sprintf("? %s wants to call %s(%s)", ev.Author, ev.FunctionCall.Name, ev.FunctionCall.Arguments)))
		}
	case core.EventToolStarted:
		if ev.FunctionCall != nil {
			r.println(toolStyle.Render(fmt.Sprintf("→ %s(%s)", ev.FunctionCall.Name, ev.FunctionCall.Arguments)))
		}
	case core.EventToolFinished:
		if fr := ev.FunctionResponse; fr != nil {
			if fr.Error != "" {
				r.println(warnStyle.Render(fmt.Sprintf("← %s failed: %s", fr.Name, fr.Error)))
			} else {
				r.println(toolStyle.Render(fmt.Sprintf("← %s: %v", fr.Name, fr.Response)))
			}
		}
	case core.EventWarning:
		if ev.Warning != nil {
			r.println(warnStyle.Render("! " + ev.Warning.String()))
		}
	case core.EventDelegationStarted:
		task := ""
		if ev.Content != nil {
			task = ev.Content.Text()
		}
		r.println(metaStyle.Render(fmt.Sprintf("%s delegates to %s: %s", ev.Author, ev.Metadata["member"], task)))
	case core.EventDelegationFinished:
		r.println(metaStyle.Render(fmt.Sprintf("%s finished (%s)", ev.Metadata["member"], ev.Metadata["outcome"])))
	case core.EventStepStarted, core.EventStepCompleted, core.EventStepSkipped:
		r.println(metaStyle.Render(fmt.Sprintf("%s %s", ev.Type, ev.Step)))
	case core.EventRunStarted, core.EventStateChanged, core.EventModelResponse:
		if r.verbose {
			r.println(metaStyle.Render(describe(ev)))
		}
	}
}

func (r *renderer) completed(ev core.Event) {
	res := ev.Result
	if res == nil {
		return
	}

	if r.streamed {
		r.println("")
	} else {
		r.println(assistantStyle.Render(res.Author + ":"))
		r.println(contentStyle.Render(res.Text()))
	}

	m := res.Metrics
	r.println(metaStyle.Render(fmt.Sprintf("run %s  session %s  %d model calls  %d tool calls  %d/%d tokens  %s",
		res.RunID, res.SessionID, m.ModelCalls, m.ToolCalls, m.InputTokens, m.OutputTokens, m.Latency.Round(time.Millisecond))))
}

func (r *renderer) failed(err error) {
	if r.streamed {
		r.println("")
	}
	r.println(errorStyle.Render("✗ " + err.Error()))
}

func (r *renderer) println(s string) {
	_, _ = fmt.Fprintln(r.w, s)
}

func describe(ev core.Event) string {
	var sb strings.Builder

	sb.WriteString(string(ev.Type))

	if ev.State != "" {
		sb.WriteString(" ")
		sb.WriteString(string(ev.State))
	}

	if ev.Author != "" {
		sb.WriteString(" (")
		sb.WriteString(ev.Author)
		sb.WriteString(")")
	}

	return sb.String()
}
