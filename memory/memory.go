package memory

import (
	"context"
	"time"
)

// Embedder converts text to embedding vectors.
// Implementations: hash.Embedder (local, deterministic) or any remote model.
//
// Note: how vectors are computed is outside this package. The cache only
// compares them.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Archive is the long-term store (Mnemosyne). It is remote and unreliable:
// both operations may fail with an error wrapping ErrUnavailable, which the
// cache treats as a degraded-mode signal and never as a fatal error.
//
// Implementations: httparchive.Client, grpcarchive.Client.
type Archive interface {
	// Query asks the archive for context on a topic.
	Query(ctx context.Context, req QueryRequest, timeout time.Duration) (*QueryResponse, error)

	// Push delivers one update. Errors wrapping ErrRejected mean the archive
	// refused the update permanently.
	Push(ctx context.Context, update ContextUpdate, timeout time.Duration) (Ack, error)
}

// Pinger is implemented by archives that can be probed for availability
// without sending data.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// EmbeddingIndex stores summary embeddings by ID. ContextSummary.EmbeddingID
// references entries here.
//
// Implementations: chromem.Index.
type EmbeddingIndex interface {
	// Upsert stores or replaces the vector for id.
	Upsert(ctx context.Context, id string, topic string, embedding []float32) error

	// Search returns up to n ids ordered by similarity to embedding.
	Search(ctx context.Context, embedding []float32, n int) ([]IndexHit, error)

	// Delete removes vectors. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error
}

// IndexHit is one EmbeddingIndex search result.
type IndexHit struct {
	ID         string
	Similarity float64
}

// UpdateQueue holds ContextUpdates until the archive acknowledges them.
// Delivery is at-least-once: an update leaves the queue only through Ack.
//
// Implementations: MemoryQueue, sqlite.Queue.
type UpdateQueue interface {
	// Enqueue appends an update. The update must carry an ID.
	Enqueue(ctx context.Context, update ContextUpdate) error

	// Pending returns up to limit updates in FIFO order without removing them.
	Pending(ctx context.Context, limit int) ([]ContextUpdate, error)

	// Ack removes delivered updates.
	Ack(ctx context.Context, ids ...string) error

	// Len returns the number of queued updates.
	Len(ctx context.Context) (int, error)
}

// Summarizer condenses pruned entries into summary text.
//
// Implementations: ExtractiveSummarizer, claude.Summarizer.
type Summarizer interface {
	Summarize(ctx context.Context, topic string, entries []ScoredEntry) (string, error)
}

// StatusRecorder persists terminal refresh statuses. Persistence is optional;
// the RefreshCycle keeps its own bounded in-memory history.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, status RefreshStatus) error
}
