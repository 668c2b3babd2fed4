package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// Embedder computes knowledge embeddings with the OpenAI Embeddings API.
// It satisfies knowledge.Embedder.
type Embedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbedder creates an Embedder. The zero model selects text-embedding-3-small.
func NewEmbedder(client *openai.Client, embeddingModel openai.EmbeddingModel) *Embedder {
	if embeddingModel == "" {
		embeddingModel = openai.EmbeddingModelTextEmbedding3Small
	}
	return &Embedder{client: client, model: embeddingModel}
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai returned embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}

	return out, nil
}
