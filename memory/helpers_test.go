package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source for the stores' now hooks.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: epoch} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const time10m = 10 * time.Minute

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// fakeArchive records calls and answers with configurable results.
type fakeArchive struct {
	mu       sync.Mutex
	pushErr  func(u ContextUpdate) error
	pushed   []ContextUpdate
	queryErr error
	resp     *QueryResponse
	queries  int
}

func (a *fakeArchive) Query(_ context.Context, _ QueryRequest, _ time.Duration) (*QueryResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries++
	if a.queryErr != nil {
		return nil, a.queryErr
	}
	return a.resp, nil
}

func (a *fakeArchive) Push(_ context.Context, u ContextUpdate, _ time.Duration) (Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pushErr != nil {
		if err := a.pushErr(u); err != nil {
			return Ack{}, err
		}
	}
	a.pushed = append(a.pushed, u)
	return Ack{UpdateID: u.ID, AcceptedAt: epoch}, nil
}

func (a *fakeArchive) queryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queries
}

func (a *fakeArchive) pushedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pushed)
}

// pingArchive is a fakeArchive that also answers health probes.
type pingArchive struct {
	fakeArchive
	pingErr error
	pings   int
}

func (a *pingArchive) Ping(context.Context, time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pings++
	return a.pingErr
}

// fakeIndex is an in-memory EmbeddingIndex.
type fakeIndex struct {
	mu      sync.Mutex
	vectors map[string][]float32
	deleted []string
}

func newFakeIndex() *fakeIndex { return &fakeIndex{vectors: make(map[string][]float32)} }

func (x *fakeIndex) Upsert(_ context.Context, id, _ string, emb []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors[id] = emb
	return nil
}

func (x *fakeIndex) Search(_ context.Context, emb []float32, n int) ([]IndexHit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var hits []IndexHit
	for id, v := range x.vectors {
		s, err := Cosine(emb, v)
		if err != nil {
			return nil, err
		}
		hits = append(hits, IndexHit{ID: id, Similarity: s})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

func (x *fakeIndex) Delete(_ context.Context, ids ...string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.vectors, id)
		x.deleted = append(x.deleted, id)
	}
	return nil
}

func (x *fakeIndex) has(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.vectors[id]
	return ok
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, string, []ScoredEntry) (string, error) {
	return "", errors.New("model overloaded")
}

type statusLog struct {
	mu       sync.Mutex
	statuses []RefreshStatus
}

func (l *statusLog) RecordStatus(_ context.Context, st RefreshStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, st)
	return nil
}
