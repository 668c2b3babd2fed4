// Package assembler builds the model context for a run: rendered
// instructions, culture, memories, retrieved knowledge, prior history and
// the current input. Assembly is read-only and deterministic for a given
// session snapshot.
package assembler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/knowledge"
	"github.com/hupe1980/agentcrew/logging"
)

// DefaultKnowledgeTopK is used when Input.KnowledgeTopK is not positive.
const DefaultKnowledgeTopK = 5

// Summarizer condenses runs into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, runs []core.Run) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, runs []core.Run) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, runs []core.Run) (string, error) {
	return f(ctx, runs)
}

// CompressionPolicy replaces older history with a summary once the
// assembled context grows past MaxChars.
type CompressionPolicy struct {
	MaxChars int
	// KeepRecentRuns is the number of most recent runs never compressed (default 1).
	KeepRecentRuns int
	Summarizer     Summarizer
}

// Options configures an Assembler.
type Options struct {
	// RetrievalTimeout bounds the knowledge search. Zero disables the limit.
	RetrievalTimeout time.Duration
	Logger           logging.Logger
}

// Input describes everything a run's context is built from.
type Input struct {
	Session          *core.Session
	Memories         []core.MemoryRecord
	Retriever        core.KnowledgeRetriever
	Instructions     string
	Culture          []string
	Content          core.Content
	IncludeHistory   bool
	NumHistoryRuns   *int
	SearchKnowledge  bool
	KnowledgeTopK    int
	KnowledgeFilters map[string]any
	Compression      *CompressionPolicy
	IncludeSummary   bool
}

// Bundle is the assembled context.
type Bundle struct {
	Instructions   string
	History        []core.Content
	Input          core.Content
	Passages       []core.Passage
	Memories       []core.MemoryRecord
	Summary        *string
	CompressedRuns int
	Warnings       []core.Warning
}

// Messages returns the history followed by the current input.
func (b *Bundle) Messages() []core.Content {
	out := make([]core.Content, 0, len(b.History)+1)
	out = append(out, b.History...)
	out = append(out, b.Input)
	return out
}

// Assembler builds context bundles. It is stateless and safe for concurrent use.
type Assembler struct {
	opts Options
}

// New creates an Assembler.
func New(optFns ...func(o *Options)) *Assembler {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Assembler{opts: opts}
}

// Assemble builds the bundle for in. Retrieval and summarization failures
// degrade to warnings; only a cancelled ctx aborts assembly.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Bundle, error) {
	b := &Bundle{
		Input:    in.Content,
		Memories: in.Memories,
	}

	runs := historyRuns(in)

	if in.SearchKnowledge && in.Retriever != nil {
		b.Passages = a.retrieve(ctx, in, b)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sessionSummary *core.SessionSummary
	if in.Session != nil {
		sessionSummary = in.Session.Summary
	}

	b.History = renderHistory(runs)
	b.Instructions = renderInstructions(in, b.Passages, nil)

	if p := in.Compression; p != nil && p.MaxChars > 0 && size(b) > p.MaxChars {
		a.compress(ctx, in, p, runs, b)
	}

	if in.IncludeSummary && b.Summary == nil && sessionSummary != nil && sessionSummary.Text != "" {
		b.Instructions = renderInstructions(in, b.Passages, sessionSummary)
	}

	return b, nil
}

func (a *Assembler) retrieve(ctx context.Context, in Input, b *Bundle) []core.Passage {
	k := in.KnowledgeTopK
	if k <= 0 {
		k = DefaultKnowledgeTopK
	}

	searchCtx := ctx
	if a.opts.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, a.opts.RetrievalTimeout)
		defer cancel()
	}

	type searchResult struct {
		passages []core.Passage
		err      error
	}

	done := make(chan searchResult, 1)
	go func() {
		ps, err := in.Retriever.Search(searchCtx, in.Content.Text(), k, in.KnowledgeFilters)
		done <- searchResult{ps, err}
	}()

	var (
		passages []core.Passage
		err      error
	)

	select {
	case res := <-done:
		passages, err = res.passages, res.err
	case <-searchCtx.Done():
		err = fmt.Errorf("knowledge search: %w", searchCtx.Err())
	}

	if err != nil {
		a.opts.Logger.Warn("assembler.knowledge.unavailable", "error", err.Error())
		b.Warnings = append(b.Warnings, core.Warning{
			Kind:    core.KindKnowledgeUnavailable,
			Message: err.Error(),
			Source:  "knowledge",
		})
		return nil
	}

	ranked := append([]core.Passage(nil), passages...)
	knowledge.Rank(ranked)

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	return ranked
}

func (a *Assembler) compress(ctx context.Context, in Input, p *CompressionPolicy, runs []core.Run, b *Bundle) {
	keep := p.KeepRecentRuns
	if keep <= 0 {
		keep = 1
	}

	if len(runs) <= keep {
		return
	}

	replaced := runs[:len(runs)-keep]

	var (
		text string
		err  error
	)

	if s := in.Session; s != nil && s.Summary != nil && coversExactly(s, s.Summary, replaced) {
		text = s.Summary.Text
	} else if p.Summarizer == nil {
		err = fmt.Errorf("no summarizer configured")
	} else {
		text, err = p.Summarizer.Summarize(ctx, replaced)
	}

	if err != nil {
		a.opts.Logger.Warn("assembler.compression.failed", "error", err.Error())
		b.Warnings = append(b.Warnings, core.Warning{
			Kind:    core.KindCompressionFailed,
			Message: err.Error(),
			Source:  "history",
		})
		return
	}

	summary := core.NewTextContent(core.RoleSystem, "Summary of the earlier conversation:\n"+text)

	b.History = append([]core.Content{summary}, renderHistory(runs[len(replaced):])...)
	b.Summary = &text
	b.CompressedRuns = len(replaced)
}

// coversExactly reports whether summary condenses exactly the replaced
// runs: the first RunCount completed runs of the session.
func coversExactly(s *core.Session, summary *core.SessionSummary, replaced []core.Run) bool {
	completed := s.CompletedRuns()
	if summary.RunCount != len(replaced) || summary.RunCount > len(completed) {
		return false
	}

	for i := range replaced {
		if completed[i].ID != replaced[i].ID {
			return false
		}
	}

	return true
}

// historyRuns selects the completed runs that contribute history, oldest first.
func historyRuns(in Input) []core.Run {
	if !in.IncludeHistory || in.Session == nil {
		return nil
	}

	runs := in.Session.CompletedRuns()

	if n := in.NumHistoryRuns; n != nil {
		if *n <= 0 {
			return nil
		}
		if len(runs) > *n {
			runs = runs[len(runs)-*n:]
		}
	}

	return runs
}

func renderHistory(runs []core.Run) []core.Content {
	out := make([]core.Content, 0, 2*len(runs))

	for _, r := range runs {
		if len(r.Input.Parts) > 0 {
			in := r.Input.Clone()
			if in.Role == "" {
				in.Role = core.RoleUser
			}
			out = append(out, in)
		}

		if r.Output != nil && len(r.Output.Parts) > 0 {
			out = append(out, r.Output.Clone())
		}
	}

	return out
}

func renderInstructions(in Input, passages []core.Passage, summary *core.SessionSummary) string {
	var sections []string

	if s := strings.TrimSpace(in.Instructions); s != "" {
		sections = append(sections, s)
	}

	if len(in.Culture) > 0 {
		var sb strings.Builder
		sb.WriteString("## Shared culture\n")
		for _, c := range in.Culture {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	if len(in.Memories) > 0 {
		var sb strings.Builder
		sb.WriteString("## What you remember about the user\n")
		for _, m := range in.Memories {
			fmt.Fprintf(&sb, "- %s\n", m.Memory)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	if len(passages) > 0 {
		var sb strings.Builder
		sb.WriteString("## Relevant knowledge\n")
		for i, p := range passages {
			fmt.Fprintf(&sb, "[%d] (%s) %s\n", i+1, p.DocumentID, p.Content)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	if summary != nil {
		sections = append(sections, "## Conversation summary\n"+summary.Text)
	}

	return strings.Join(sections, "\n\n")
}

func size(b *Bundle) int {
	n := len(b.Instructions) + len(b.Input.Text())
	for _, c := range b.History {
		n += len(c.Text())
	}
	return n
}
