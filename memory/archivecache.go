package memory

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	archiveCacheCounters = 1e5
	archiveCacheMaxCost  = 1e4 // responses, each costs 1
	archiveCacheBuffer   = 64
)

// archiveCache memoizes archive query responses so repeated low-confidence
// queries on the same topic do not each reach the archive.
type archiveCache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

func newArchiveCache(ttl time.Duration) (*archiveCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: archiveCacheCounters,
		MaxCost:     archiveCacheMaxCost,
		BufferItems: archiveCacheBuffer,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &archiveCache{cache: cache, ttl: ttl}, nil
}

func archiveCacheKey(req *QueryRequest) string {
	var b strings.Builder
	b.WriteString(req.Topic)
	b.WriteByte('|')
	b.WriteString(strings.Join(req.Topics, ","))
	b.WriteByte('|')
	b.WriteString(string(req.Depth))
	b.WriteByte('|')
	b.WriteString(string(req.Filters.Source))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(req.TimeWindowDays))
	b.WriteByte('|')
	b.WriteString(req.Range)
	return b.String()
}

func (c *archiveCache) get(key string) (*QueryResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false
	}

	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*QueryResponse)
	if !ok {
		return nil, false
	}
	return cloneResponse(resp), true
}

func (c *archiveCache) set(key string, resp *QueryResponse) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.cache.SetWithTTL(key, cloneResponse(resp), 1, c.ttl)
}

// wait blocks until buffered writes are applied.
func (c *archiveCache) wait() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.cache.Wait()
	}
}

func (c *archiveCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cache.Close()
}

func cloneResponse(r *QueryResponse) *QueryResponse {
	c := *r
	c.ContextSummaries = make([]ContextSummary, len(r.ContextSummaries))
	for i := range r.ContextSummaries {
		c.ContextSummaries[i] = r.ContextSummaries[i].clone()
	}
	c.Details = cloneDetails(r.Details)
	c.Metadata.Warnings = append([]string(nil), r.Metadata.Warnings...)
	return &c
}
