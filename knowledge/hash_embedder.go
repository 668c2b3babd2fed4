package knowledge

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic bag-of-words embedder using feature
// hashing. It needs no network access, which makes it suitable for tests,
// demos and keyword-style retrieval.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder creates a HashEmbedder with dims dimensions (default 256).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{Dimensions: dims}
}

// Embed implements Embedder.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for i, text := range texts {
		vec := make([]float32, e.Dimensions)

		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(e.Dimensions)]++
		}

		out[i] = vec
	}

	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
