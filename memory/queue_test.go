package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, ContextUpdate{ID: id, SessionID: "s", Agent: "x", SummaryText: id}))
	}
	require.NoError(t, q.Enqueue(ctx, ContextUpdate{ID: "a", SummaryText: "duplicate"}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := q.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "a", first[0].SummaryText, "duplicate enqueue does not overwrite")
	assert.Equal(t, "b", first[1].ID)

	require.NoError(t, q.Ack(ctx, "a", "unknown"))
	rest, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].ID)
	assert.Equal(t, "c", rest[1].ID)
}

func TestMemoryQueue_RequiresID(t *testing.T) {
	err := NewMemoryQueue().Enqueue(context.Background(), ContextUpdate{})
	assert.True(t, errors.Is(err, ErrInvariantViolation))
}

func TestMemoryQueue_PendingReturnsCopies(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(ctx, ContextUpdate{ID: "a", AcceptedIdeas: []string{"x"}}))

	got, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	got[0].AcceptedIdeas[0] = "mutated"

	again, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", again[0].AcceptedIdeas[0])
}
