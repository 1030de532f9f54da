package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/aletheia/memory"
)

var _ memory.EmbeddingIndex = (*Index)(nil)

func TestIndex_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := New()
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a", "ai", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert(ctx, "b", "ai", []float32{0.7, 0.7, 0}))
	require.NoError(t, idx.Upsert(ctx, "c", "cooking", []float32{0, 0, 1}))
	assert.Equal(t, 3, idx.Count())

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestIndex_SearchClampsToCollectionSize(t *testing.T) {
	ctx := context.Background()
	idx, err := New()
	require.NoError(t, err)

	hits, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits, "empty collection")

	require.NoError(t, idx.Upsert(ctx, "only", "ai", []float32{1, 0}))
	hits, err = idx.Search(ctx, []float32{1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx, err := New()
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a", "ai", []float32{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "a", "ai", []float32{0, 1}))
	assert.Equal(t, 1, idx.Count())

	hits, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
}

func TestIndex_RejectsZeroVector(t *testing.T) {
	idx, err := New()
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), "z", "ai", []float32{0, 0})
	assert.ErrorIs(t, err, memory.ErrInvariantViolation)
	assert.Zero(t, idx.Count())
}

func TestIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx, err := New()
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a", "ai", []float32{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "b", "ai", []float32{0, 1}))

	require.NoError(t, idx.Delete(ctx, "a"))
	assert.Equal(t, 1, idx.Count())
	require.NoError(t, idx.Delete(ctx))
	assert.Equal(t, 1, idx.Count())
}

func TestIndex_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewPersistent(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "a", "ai", []float32{1, 0}))
	require.NoError(t, idx.Close())

	reopened, err := NewPersistent(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
