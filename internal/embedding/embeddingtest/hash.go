// Package embeddingtest provides deterministic embedding providers for tests.
package embeddingtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// HashProvider embeds text as a normalised bag of hashed lowercase words, so
// texts sharing words score high under cosine similarity.
type HashProvider struct {
	Dim   int
	calls atomic.Int64
}

func NewHashProvider(dim int) *HashProvider {
	return &HashProvider{Dim: dim}
}

func (p *HashProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, p.Dim)
	}
	return out, nil
}

// Calls is the number of CreateEmbedding requests served.
func (p *HashProvider) Calls() int {
	return int(p.calls.Load())
}

// Vector is the embedding HashProvider produces for text.
func Vector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
