package hash

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/aletheia/memory"
)

var _ memory.Embedder = (*Embedder)(nil)

func TestEmbed_Deterministic(t *testing.T) {
	e := New(64)
	a, err := e.Embed(context.Background(), "Vector caches for agents")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "vector caches, for agents!")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b, "case and punctuation must not change the vector")
}

func TestEmbed_UnitLength(t *testing.T) {
	v, err := New(128).Embed(context.Background(), "tiered context memory with summaries")
	require.NoError(t, err)

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestEmbed_EmptyTextIsZeroVector(t *testing.T) {
	v, err := New(16).Embed(context.Background(), "  ... ")
	require.NoError(t, err)
	assert.Len(t, v, 16)
	for _, f := range v {
		assert.Zero(t, f)
	}

	score, err := memory.Cosine(v, v)
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestEmbed_SharedWordsScoreHigher(t *testing.T) {
	e := New(DefaultDimensions)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "kubernetes deployment rollout strategy")
	near, _ := e.Embed(ctx, "kubernetes rollout strategy for deployment")
	far, _ := e.Embed(ctx, "sourdough bread hydration ratio")

	nearScore, err := memory.Cosine(base, near)
	require.NoError(t, err)
	farScore, err := memory.Cosine(base, far)
	require.NoError(t, err)

	assert.Greater(t, nearScore, farScore)
	assert.Greater(t, nearScore, 0.5)
}

func TestNew_DefaultDimensions(t *testing.T) {
	assert.Equal(t, DefaultDimensions, New(0).Dimensions())
	assert.Equal(t, 32, New(32).Dimensions())
}
