// Package hash provides a deterministic feature-hashing Embedder. Texts that
// share words get similar vectors, so it gives meaningful cosine scores
// without a model. Use it for local runs and tests.
package hash

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions is the vector size used when none is given.
const DefaultDimensions = 256

// Embedder hashes each lowercased word, and each pair of adjacent words,
// into one of Dimensions buckets with a hash-derived sign.
type Embedder struct {
	dimensions int
}

// New creates an embedder. dimensions <= 0 selects DefaultDimensions.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

// Embed returns a unit vector for text, or a zero vector when text has no
// words.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		e.add(embedding, w, 1)
		if i > 0 {
			e.add(embedding, words[i-1]+" "+w, 0.5)
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(e.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
