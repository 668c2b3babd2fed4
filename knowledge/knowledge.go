// Package knowledge implements an in-process vector index satisfying
// core.KnowledgeRetriever. Embeddings come from a pluggable Embedder such
// as the OpenAI embedder in model/openai.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Document is a source text added to the index.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// Options configures an InMemoryRetriever.
type Options struct {
	// ChunkSize is the maximum number of characters per chunk. Paragraphs
	// are kept together when they fit.
	ChunkSize int
	// MinScore drops passages scoring below it.
	MinScore float64
}

// InMemoryRetriever is a brute-force cosine similarity index.
type InMemoryRetriever struct {
	embedder Embedder
	opts     Options

	mu       sync.RWMutex
	passages []core.Passage
}

// NewInMemoryRetriever creates an empty index.
func NewInMemoryRetriever(embedder Embedder, optFns ...func(o *Options)) *InMemoryRetriever {
	opts := Options{ChunkSize: 1000}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &InMemoryRetriever{embedder: embedder, opts: opts}
}

// Add chunks, embeds and indexes documents. Re-adding a document ID
// replaces its previous chunks.
func (r *InMemoryRetriever) Add(ctx context.Context, docs ...Document) error {
	var (
		texts    []string
		passages []core.Passage
	)

	now := time.Now().UTC()

	for _, doc := range docs {
		if doc.ID == "" {
			return errors.New("document id is required")
		}

		for i, chunk := range Chunk(doc.Content, r.opts.ChunkSize) {
			texts = append(texts, chunk)
			passages = append(passages, core.Passage{
				DocumentID: doc.ID,
				ChunkID:    fmt.Sprintf("%s#%d", doc.ID, i),
				Content:    chunk,
				Metadata:   doc.Metadata,
				IndexedAt:  now,
			})
		}
	}

	if len(texts) == 0 {
		return nil
	}

	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	if len(vectors) != len(passages) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(passages))
	}

	for i := range passages {
		passages[i].Embedding = vectors[i]
	}

	replaced := make(map[string]bool, len(docs))
	for _, doc := range docs {
		replaced[doc.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.passages[:0:0]
	for _, p := range r.passages {
		if !replaced[p.DocumentID] {
			kept = append(kept, p)
		}
	}

	r.passages = append(kept, passages...)

	return nil
}

// Len returns the number of indexed chunks.
func (r *InMemoryRetriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.passages)
}

// Search returns the k passages most similar to query whose metadata
// contains every filter key with an equal value.
func (r *InMemoryRetriever) Search(ctx context.Context, query string, k int, filters map[string]any) ([]core.Passage, error) {
	if k <= 0 {
		return nil, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []core.Passage

	for _, p := range r.passages {
		if !matchesFilters(p.Metadata, filters) {
			continue
		}

		score := cosineSimilarity(vectors[0], p.Embedding)
		if r.opts.MinScore > 0 && score < r.opts.MinScore {
			continue
		}

		p.Score = score
		candidates = append(candidates, p)
	}

	Rank(candidates)

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	return candidates, nil
}

// Rank orders passages by descending score. Ties go to the more recently
// indexed passage when both carry an index time; otherwise the incoming
// order is kept.
func Rank(passages []core.Passage) {
	sort.SliceStable(passages, func(i, j int) bool {
		a, b := passages[i], passages[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.IndexedAt.IsZero() && !b.IndexedAt.IsZero() {
			return a.IndexedAt.After(b.IndexedAt)
		}
		return false
	})
}

// Chunk splits text on blank lines, packing paragraphs into chunks of at
// most size characters. Paragraphs longer than size are split on word
// boundaries.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if size <= 0 || len(text) <= size {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
	)

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	add := func(piece, sep string) {
		if cur.Len() > 0 && cur.Len()+len(sep)+len(piece) > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(piece)
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if len(para) <= size {
			add(para, "\n\n")
			continue
		}

		flush()
		for _, word := range strings.Fields(para) {
			add(word, " ")
		}
		flush()
	}

	flush()

	return chunks
}

func matchesFilters(metadata, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
