package signals

import (
	"context"
	"fmt"
	"math"

	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
)

// Embedder produces vectors for texts. Implemented by embeddings.Service.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// SemanticProvider scores pairs by cosine similarity of name embeddings.
type SemanticProvider struct {
	embedder Embedder
	model    string
}

// NewSemanticProvider returns a provider; a nil embedder makes every score unavailable.
func NewSemanticProvider(embedder Embedder, model string) *SemanticProvider {
	return &SemanticProvider{embedder: embedder, model: model}
}

func (*SemanticProvider) Kind() Kind  { return Semantic }
func (*SemanticProvider) Heavy() bool { return false }

func (p *SemanticProvider) Score(ctx context.Context, pair Pair) (Score, error) {
	if p.embedder == nil {
		return Unavailable(Semantic, "no embedding service"), nil
	}
	texts := []string{describe(pair.A), describe(pair.B)}
	vecs, err := p.embedder.GenerateBatchEmbeddings(ctx, texts, p.model)
	if err != nil {
		return Score{}, fmt.Errorf("embed pair: %w", err)
	}
	if len(vecs) != 2 {
		return Score{}, fmt.Errorf("embed pair: got %d vectors: %w", len(vecs), ErrUnavailable)
	}
	sim := Cosine(vecs[0], vecs[1])
	return Score{Kind: Semantic, Value: sim, Available: true}, nil
}

func describe(c Candidate) string {
	text := normalize.Name(c.Name)
	if c.Type != "" {
		text = string(c.Type) + ": " + text
	}
	return text
}

// Cosine returns the cosine similarity clamped to [0,1].
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
