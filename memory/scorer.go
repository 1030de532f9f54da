package memory

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Cosine returns the cosine similarity of a and b clamped to [0, 1].
//
// Absent, empty or zero-magnitude vectors score exactly 0. Vectors of
// different lengths are a caller error and return ErrDimensionMismatch.
// Negative similarity (opposed vectors) is clamped to 0 so scores can be
// used directly as relevance weights.
func Cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	x, y := widen(a), widen(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0, nil
	}

	sim := floats.Dot(x, y) / (na * nb)
	switch {
	case sim < 0:
		return 0, nil
	case sim > 1:
		return 1, nil
	}
	return sim, nil
}

// Score is the relevance of entry to a query embedding.
func Score(query []float32, entry *ScoredEntry) (float64, error) {
	if entry == nil {
		return 0, nil
	}
	return Cosine(query, entry.Embedding)
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// centroid averages vectors of equal length. Vectors of another length than
// the first are skipped.
func centroid(vectors [][]float32) []float32 {
	var sum []float64
	n := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		floats.Add(sum, widen(v))
		n++
	}
	if n == 0 {
		return nil
	}
	floats.Scale(1/float64(n), sum)
	out := make([]float32, len(sum))
	for i, f := range sum {
		out[i] = float32(f)
	}
	return out
}
