package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryQueue is an in-process UpdateQueue. Updates are lost on restart;
// use sqlite.Queue when pending updates must survive the process.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []ContextUpdate
	ids     map[string]struct{}
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ids: make(map[string]struct{})}
}

// Enqueue appends an update. Re-enqueueing an ID that is still pending is a
// no-op.
func (q *MemoryQueue) Enqueue(_ context.Context, update ContextUpdate) error {
	if update.ID == "" {
		return fmt.Errorf("%w: update has no id", ErrInvariantViolation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.ids[update.ID]; dup {
		return nil
	}
	q.ids[update.ID] = struct{}{}
	q.pending = append(q.pending, cloneUpdate(update))
	return nil
}

// Pending returns up to limit updates, oldest first. limit <= 0 returns all.
func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]ContextUpdate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ContextUpdate, n)
	for i := range out {
		out[i] = cloneUpdate(q.pending[i])
	}
	return out, nil
}

// Ack removes updates by ID. Unknown IDs are ignored.
func (q *MemoryQueue) Ack(_ context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := q.ids[id]; ok {
			drop[id] = struct{}{}
			delete(q.ids, id)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	q.pending = slices.DeleteFunc(q.pending, func(u ContextUpdate) bool {
		_, ok := drop[u.ID]
		return ok
	})
	return nil
}

// Len returns the number of pending updates.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func cloneUpdate(u ContextUpdate) ContextUpdate {
	c := u
	c.AcceptedIdeas = slices.Clone(u.AcceptedIdeas)
	c.RejectedIdeas = slices.Clone(u.RejectedIdeas)
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
