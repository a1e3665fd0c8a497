package llm

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbedder produces deterministic vectors from a text hash. Identical
// texts map to identical vectors; it carries no semantic signal.
type MockEmbedder struct {
	Dims int
}

func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &MockEmbedder{Dims: dims}
}

func (m *MockEmbedder) Dimensions() int { return m.Dims }

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *MockEmbedder) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := float64(h.Sum64() % 100000)

	v := make([]float32, m.Dims)
	var norm float64
	for i := range v {
		x := math.Sin(seed + float64(i)*0.7)
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v
}
