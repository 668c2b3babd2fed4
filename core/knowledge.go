package core

import (
	"context"
	"time"
)

// Passage is an indexed knowledge chunk. Score is set by the retriever at query time.
type Passage struct {
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Score      float64        `json:"score"`
	IndexedAt  time.Time      `json:"indexed_at"`
}

// KnowledgeRetriever performs similarity search over an embedded document
// index and returns passages ranked by descending score.
type KnowledgeRetriever interface {
	Search(ctx context.Context, query string, k int, filters map[string]any) ([]Passage, error)
}
