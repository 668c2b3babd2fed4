package assembler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
	"github.com/hupe1980/agentcrew/model"
)

func intPtr(n int) *int { return &n }

type retrieverFunc func(ctx context.Context, query string, k int, filters map[string]any) ([]core.Passage, error)

func (f retrieverFunc) Search(ctx context.Context, query string, k int, filters map[string]any) ([]core.Passage, error) {
	return f(ctx, query, k, filters)
}

func TestFreshSessionHasNoHistory(t *testing.T) {
	a := New()

	b, err := a.Assemble(context.Background(), Input{
		Session:        core.NewSession("s1", "u1"),
		IncludeHistory: true,
		NumHistoryRuns: intPtr(5),
		Content:        core.NewTextContent(core.RoleUser, "hello"),
	})
	require.NoError(t, err)
	assert.Empty(t, b.History)
	assert.Len(t, b.Messages(), 1)
	assert.Empty(t, b.Warnings)
}

func TestHistoryWindowSkipsFailedRuns(t *testing.T) {
	sess := testutil.NewSessionBuilder("s1", "u1").
		Turn("q1", "a1").
		Turn("q2", "a2").
		FailedTurn("broken", core.KindModelFailure).
		Turn("q3", "a3").
		Build()

	tests := []struct {
		name string
		n    *int
		want []string
	}{
		{name: "all", n: nil, want: []string{"q1", "a1", "q2", "a2", "q3", "a3"}},
		{name: "last two", n: intPtr(2), want: []string{"q2", "a2", "q3", "a3"}},
		{name: "more than available", n: intPtr(10), want: []string{"q1", "a1", "q2", "a2", "q3", "a3"}},
		{name: "zero", n: intPtr(0), want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New().Assemble(context.Background(), Input{
				Session:        sess,
				IncludeHistory: true,
				NumHistoryRuns: tt.n,
				Content:        core.NewTextContent(core.RoleUser, "now"),
			})
			require.NoError(t, err)

			got := []string{}
			for _, c := range b.History {
				got = append(got, c.Text())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstructionsSections(t *testing.T) {
	b, err := New().Assemble(context.Background(), Input{
		Instructions: "You are helpful.",
		Culture:      []string{"Be kind."},
		Memories:     []core.MemoryRecord{{ID: "m1", Memory: "likes tea"}},
		Content:      core.NewTextContent(core.RoleUser, "tea?"),
		Retriever: retrieverFunc(func(context.Context, string, int, map[string]any) ([]core.Passage, error) {
			return []core.Passage{{DocumentID: "doc", Content: "Tea grows in Assam.", Score: 0.9}}, nil
		}),
		SearchKnowledge: true,
	})
	require.NoError(t, err)

	assert.Contains(t, b.Instructions, "You are helpful.")
	assert.Contains(t, b.Instructions, "- Be kind.")
	assert.Contains(t, b.Instructions, "- likes tea")
	assert.Contains(t, b.Instructions, "[1] (doc) Tea grows in Assam.")
	assert.Less(t, strings.Index(b.Instructions, "Be kind"), strings.Index(b.Instructions, "likes tea"))
}

func TestKnowledgeRankingAndTopK(t *testing.T) {
	older := time.Unix(10, 0)
	newer := time.Unix(20, 0)

	var gotK int
	b, err := New().Assemble(context.Background(), Input{
		Content:         core.NewTextContent(core.RoleUser, "q"),
		SearchKnowledge: true,
		KnowledgeTopK:   2,
		Retriever: retrieverFunc(func(_ context.Context, _ string, k int, _ map[string]any) ([]core.Passage, error) {
			gotK = k
			return []core.Passage{
				{ChunkID: "low", Score: 0.1},
				{ChunkID: "old", Score: 0.8, IndexedAt: older},
				{ChunkID: "new", Score: 0.8, IndexedAt: newer},
			}, nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gotK)
	require.Len(t, b.Passages, 2)
	assert.Equal(t, "new", b.Passages[0].ChunkID)
	assert.Equal(t, "old", b.Passages[1].ChunkID)
}

func TestKnowledgeFailureIsAWarning(t *testing.T) {
	tests := []struct {
		name      string
		retriever core.KnowledgeRetriever
	}{
		{
			name: "error",
			retriever: retrieverFunc(func(context.Context, string, int, map[string]any) ([]core.Passage, error) {
				return nil, errors.New("index offline")
			}),
		},
		{
			name: "timeout",
			retriever: retrieverFunc(func(context.Context, string, int, map[string]any) ([]core.Passage, error) {
				time.Sleep(200 * time.Millisecond)
				return []core.Passage{{Content: "late"}}, nil
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(func(o *Options) { o.RetrievalTimeout = 20 * time.Millisecond })

			b, err := a.Assemble(context.Background(), Input{
				Content:         core.NewTextContent(core.RoleUser, "q"),
				SearchKnowledge: true,
				Retriever:       tt.retriever,
			})
			require.NoError(t, err)
			assert.Empty(t, b.Passages)
			require.Len(t, b.Warnings, 1)
			assert.Equal(t, core.KindKnowledgeUnavailable, b.Warnings[0].Kind)
		})
	}
}

func longSession(n int) *core.Session {
	sb := testutil.NewSessionBuilder("s1", "u1")
	for i := range n {
		sb.Turn(fmt.Sprintf("question number %d with padding", i), fmt.Sprintf("answer number %d with padding", i))
	}
	return sb.Build()
}

func TestCompressionUsesSummarizer(t *testing.T) {
	sess := longSession(4)

	var summarized []core.Run
	b, err := New().Assemble(context.Background(), Input{
		Session:        sess,
		IncludeHistory: true,
		Content:        core.NewTextContent(core.RoleUser, "next"),
		Compression: &CompressionPolicy{
			MaxChars:       50,
			KeepRecentRuns: 1,
			Summarizer: SummarizerFunc(func(_ context.Context, runs []core.Run) (string, error) {
				summarized = runs
				return "they asked three questions", nil
			}),
		},
	})
	require.NoError(t, err)

	assert.Len(t, summarized, 3)
	assert.Equal(t, 3, b.CompressedRuns)
	require.NotNil(t, b.Summary)
	require.Len(t, b.History, 3)
	assert.Equal(t, core.RoleSystem, b.History[0].Role)
	assert.Contains(t, b.History[0].Text(), "they asked three questions")
	assert.Equal(t, "question number 3 with padding", b.History[1].Text())
}

func TestCompressionReusesMatchingSessionSummary(t *testing.T) {
	sess := longSession(3)
	sess.Summary = &core.SessionSummary{Text: "stored summary", RunCount: 2}

	b, err := New().Assemble(context.Background(), Input{
		Session:        sess,
		IncludeHistory: true,
		Content:        core.NewTextContent(core.RoleUser, "next"),
		Compression: &CompressionPolicy{
			MaxChars: 10,
			Summarizer: SummarizerFunc(func(context.Context, []core.Run) (string, error) {
				t.Fatal("summarizer must not be called")
				return "", nil
			}),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, b.Summary)
	assert.Equal(t, "stored summary", *b.Summary)
}

func TestCompressionFailureKeepsHistory(t *testing.T) {
	sess := longSession(3)

	b, err := New().Assemble(context.Background(), Input{
		Session:        sess,
		IncludeHistory: true,
		Content:        core.NewTextContent(core.RoleUser, "next"),
		Compression: &CompressionPolicy{
			MaxChars: 10,
			Summarizer: SummarizerFunc(func(context.Context, []core.Run) (string, error) {
				return "", errors.New("model down")
			}),
		},
	})
	require.NoError(t, err)
	assert.Len(t, b.History, 6)
	assert.Nil(t, b.Summary)
	require.Len(t, b.Warnings, 1)
	assert.Equal(t, core.KindCompressionFailed, b.Warnings[0].Kind)
}

func TestIncludeSummary(t *testing.T) {
	sess := longSession(1)
	sess.Summary = &core.SessionSummary{Text: "talked about tea", RunCount: 1}

	b, err := New().Assemble(context.Background(), Input{
		Session:        sess,
		IncludeSummary: true,
		Content:        core.NewTextContent(core.RoleUser, "next"),
	})
	require.NoError(t, err)
	assert.Contains(t, b.Instructions, "## Conversation summary\ntalked about tea")
}

func TestModelSummarizer(t *testing.T) {
	m := model.NewMockModel("sum", model.MockTurn{Text: " short summary "})
	s := NewModelSummarizer(m)

	text, err := s.Summarize(context.Background(), longSession(2).Runs)
	require.NoError(t, err)
	assert.Equal(t, "short summary", text)
	assert.Contains(t, model.LastUserText(m.Requests()[0]), "question number 1")
}

func TestAssembleIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("assembling an unchanged session twice yields identical history", prop.ForAll(
		func(runs int, window int) bool {
			sess := longSession(runs)
			in := Input{
				Session:        sess,
				IncludeHistory: true,
				NumHistoryRuns: intPtr(window),
				Content:        core.NewTextContent(core.RoleUser, "again"),
			}

			a := New()
			first, err := a.Assemble(context.Background(), in)
			if err != nil {
				return false
			}
			second, err := a.Assemble(context.Background(), in)
			if err != nil {
				return false
			}

			want := runs
			if window < want {
				want = window
			}

			return reflect.DeepEqual(first.History, second.History) && len(first.History) == 2*want
		},
		gen.IntRange(0, 12),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
