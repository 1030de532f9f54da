package memory

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
)

// Match is a cache entry returned by GetByTopic with its relevance score.
type Match struct {
	Entry ScoredEntry `json:"entry"`
	Score float64     `json:"score"`
}

// TierCache is the short-term tier: a bounded store of ScoredEntry values
// keyed by ID and indexed by topic. Several entries may share a topic.
//
// All mutations, including the touch performed by GetByTopic, take the
// exclusive lock. Pure reads share the read lock.
type TierCache struct {
	mu         sync.RWMutex
	entries    *simplelru.LRU[string, *ScoredEntry] // recency order, oldest first
	byTopic    map[string]map[string]struct{}
	evicted    []ScoredEntry
	capacity   int
	dimensions int
	now        func() time.Time
}

// NewTierCache creates a cache holding at most capacity entries (0 means
// unbounded). When dimensions is positive, every stored embedding must have
// exactly that length; when it is 0 the first embedded Put fixes the length.
func NewTierCache(capacity, dimensions int) *TierCache {
	size := math.MaxInt
	if capacity > 0 {
		// One slot of headroom so the LRU never evicts on its own; overflow
		// is removed explicitly and kept for summarization.
		size = capacity + 1
	}
	entries, _ := simplelru.NewLRU[string, *ScoredEntry](size, nil)

	return &TierCache{
		entries:    entries,
		byTopic:    make(map[string]map[string]struct{}),
		capacity:   capacity,
		dimensions: dimensions,
		now:        time.Now,
	}
}

// Put inserts or replaces an entry by ID and returns the stored copy.
// Missing fields are filled in: ID (uuid), tier (short_term), created_at
// (now) and accessed_at (created_at).
func (c *TierCache) Put(entry ScoredEntry) (ScoredEntry, error) {
	e := entry.Clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Tier == "" {
		e.Tier = TierShortTerm
	}
	switch {
	case e.CreatedAt.IsZero() && e.AccessedAt.IsZero():
		e.CreatedAt = c.now()
		e.AccessedAt = e.CreatedAt
	case e.CreatedAt.IsZero():
		e.CreatedAt = e.AccessedAt
	case e.AccessedAt.IsZero():
		e.AccessedAt = e.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return ScoredEntry{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(e.Embedding); n > 0 {
		switch {
		case c.dimensions == 0:
			c.dimensions = n
		case n != c.dimensions:
			return ScoredEntry{}, fmt.Errorf("%w: entry %q has %d dimensions, cache expects %d",
				ErrDimensionMismatch, e.ID, n, c.dimensions)
		}
	}

	if old, ok := c.entries.Peek(e.ID); ok {
		c.unindex(old)
	}
	c.entries.Add(e.ID, &e)
	c.index(&e)

	if c.capacity > 0 && c.entries.Len() > c.capacity {
		if _, victim, ok := c.entries.RemoveOldest(); ok {
			c.unindex(victim)
			c.evicted = append(c.evicted, *victim)
			log.Debug().
				Str("entry_id", victim.ID).
				Str("topic", victim.Topic).
				Int("capacity", c.capacity).
				Msg("tier_cache_evicted")
		}
	}

	return e.Clone(), nil
}

// GetByTopic scores every entry whose topic is topic or one of related and
// returns the topK best, ordered by score descending. Ties go to the most
// recently accessed entry, then to the lower ID.
//
// Every returned entry is touched: accessed_at moves to now and
// access_count grows by one. The returned copies reflect the touch.
func (c *TierCache) GetByTopic(topic string, query []float32, topK int, related ...string) ([]Match, error) {
	return c.GetByTopicFunc(topic, query, topK, nil, related...)
}

// GetByTopicFunc is GetByTopic restricted to entries for which keep returns
// true. Entries filtered out are neither returned nor touched. keep runs with
// the cache lock held.
func (c *TierCache) GetByTopicFunc(topic string, query []float32, topK int, keep func(e *ScoredEntry, score float64) bool, related ...string) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []*ScoredEntry
	seen := make(map[string]struct{})
	for _, t := range append([]string{topic}, related...) {
		for id := range c.byTopic[t] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if e, ok := c.entries.Peek(id); ok {
				candidates = append(candidates, e)
			}
		}
	}

	type scored struct {
		entry *ScoredEntry
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		s, err := Score(query, e)
		if err != nil {
			return nil, fmt.Errorf("score entry %s: %w", e.ID, err)
		}
		if keep != nil && !keep(e, s) {
			continue
		}
		ranked = append(ranked, scored{entry: e, score: s})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.entry.AccessedAt.Equal(b.entry.AccessedAt) {
			return a.entry.AccessedAt.After(b.entry.AccessedAt)
		}
		return a.entry.ID < b.entry.ID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	now := c.now()
	out := make([]Match, 0, len(ranked))
	for _, r := range ranked {
		touch(r.entry, now)
		c.entries.Get(r.entry.ID) // promote in recency order
		out = append(out, Match{Entry: r.entry.Clone(), Score: r.score})
	}
	return out, nil
}

// Prune removes every entry older than maxAgeDays whose relevance against
// representative(topic) is below threshold. Entries without an embedding
// are pruned on age alone. The removed entries are returned so the caller
// can summarize them; nothing is discarded here.
//
// representative is called with the cache lock held and must not call back
// into the cache. Pruning is all-or-nothing: if any score fails, no entry is
// removed.
func (c *TierCache) Prune(threshold float64, maxAgeDays int, representative func(topic string) []float32) ([]ScoredEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	reps := make(map[string][]float32)
	var victims []*ScoredEntry

	for _, e := range c.entries.Values() {
		if e.AgeDays(now) <= maxAgeDays {
			continue
		}
		if len(e.Embedding) == 0 {
			victims = append(victims, e)
			continue
		}

		rep, ok := reps[e.Topic]
		if !ok && representative != nil {
			rep = representative(e.Topic)
			reps[e.Topic] = rep
		}
		s, err := Score(rep, e)
		if err != nil {
			return nil, fmt.Errorf("prune entry %s: %w", e.ID, err)
		}
		if s < threshold {
			victims = append(victims, e)
		}
	}

	removed := make([]ScoredEntry, 0, len(victims))
	for _, e := range victims {
		c.entries.Remove(e.ID)
		c.unindex(e)
		removed = append(removed, *e)
	}
	return removed, nil
}

// DrainEvicted returns and clears the entries evicted by the capacity bound
// since the last call.
func (c *TierCache) DrainEvicted() []ScoredEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.evicted
	c.evicted = nil
	return out
}

// Get returns a copy of an entry without touching it.
func (c *TierCache) Get(id string) (ScoredEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries.Peek(id)
	if !ok {
		return ScoredEntry{}, false
	}
	return e.Clone(), true
}

// Dimensions returns the embedding length the cache enforces, 0 while no
// length has been fixed.
func (c *TierCache) Dimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dimensions
}

// Len returns the number of cached entries.
func (c *TierCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Topics returns the cached topics in lexical order.
func (c *TierCache) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.byTopic))
	for t := range c.byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Centroid averages the embeddings of a topic's entries that are at most
// maxAgeDays old. It returns nil when no such entry has an embedding.
func (c *TierCache) Centroid(topic string, maxAgeDays int) []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var vectors [][]float32
	for id := range c.byTopic[topic] {
		e, ok := c.entries.Peek(id)
		if !ok || e.AgeDays(now) > maxAgeDays {
			continue
		}
		vectors = append(vectors, e.Embedding)
	}
	return centroid(vectors)
}

func (c *TierCache) index(e *ScoredEntry) {
	ids, ok := c.byTopic[e.Topic]
	if !ok {
		ids = make(map[string]struct{})
		c.byTopic[e.Topic] = ids
	}
	ids[e.ID] = struct{}{}
}

func (c *TierCache) unindex(e *ScoredEntry) {
	ids := c.byTopic[e.Topic]
	delete(ids, e.ID)
	if len(ids) == 0 {
		delete(c.byTopic, e.Topic)
	}
}

// touch records an access. accessed_at never moves before created_at.
func touch(e *ScoredEntry, now time.Time) {
	if now.Before(e.CreatedAt) {
		now = e.CreatedAt
	}
	e.AccessedAt = now
	e.AccessCount++
}
