// Package chromem stores summary embeddings in chromem-go, an embedded
// pure Go vector database. It implements memory.EmbeddingIndex.
package chromem

import (
	"context"
	"fmt"
	"math"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/becomeliminal/aletheia/memory"
)

const collectionName = "summaries"

// Index is a memory.EmbeddingIndex backed by one chromem collection.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
	mu  sync.RWMutex // guards Count/Query pairing
}

// New creates an in-memory index.
func New() (*Index, error) {
	return open(chromem.NewDB())
}

// NewPersistent creates an index persisted under dir. Existing vectors are
// loaded.
func NewPersistent(dir string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", dir, err)
	}
	return open(db)
}

func open(db *chromem.DB) (*Index, error) {
	col, err := db.GetOrCreateCollection(
		collectionName,
		nil, // No collection metadata
		nil, // No embedding func (we provide embeddings)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Upsert stores or replaces the vector for id. Zero vectors have no
// direction and are rejected.
func (i *Index) Upsert(ctx context.Context, id, topic string, embedding []float32) error {
	if id == "" {
		return fmt.Errorf("%w: embedding has no id", memory.ErrInvariantViolation)
	}
	if magnitude(embedding) == 0 {
		return fmt.Errorf("%w: zero-magnitude embedding for %s", memory.ErrInvariantViolation, id)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   topic,
		Embedding: append([]float32(nil), embedding...),
		Metadata:  map[string]string{"topic": topic},
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	log.Debug().Str("embedding_id", id).Str("topic", topic).Msg("index_upserted")
	return nil
}

// Search returns up to n ids ordered by cosine similarity to embedding.
func (i *Index) Search(ctx context.Context, embedding []float32, n int) ([]memory.IndexHit, error) {
	if n <= 0 || magnitude(embedding) == 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	// chromem-go requires nResults <= collection size.
	if count := i.col.Count(); count == 0 {
		return nil, nil
	} else if n > count {
		n = count
	}

	results, err := i.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]memory.IndexHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.IndexHit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// Delete removes vectors by id.
func (i *Index) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.col.Count()
}

// Close releases resources. Persistent indexes write through on every
// change, so there is nothing to flush.
func (i *Index) Close() error {
	return nil
}

func magnitude(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}
