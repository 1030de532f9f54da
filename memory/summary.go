package memory

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SummaryInput describes a summary to create.
type SummaryInput struct {
	Topic       string
	Text        string
	Weight      float64
	Tier        Tier
	TTL         time.Duration // 0 means the summary never expires
	EmbeddingID string
	Details     []ContextDetail
	Metadata    map[string]any
}

type summaryRecord struct {
	summary    ContextSummary
	baseWeight float64 // weight at creation or last touch; decay starts here
	details    []ContextDetail
}

// SummaryStore holds the mid and long term ContextSummary records and owns
// their expiry and weight decay.
type SummaryStore struct {
	mu      sync.RWMutex
	records map[string]*summaryRecord
	byTopic map[string]map[string]struct{}
	now     func() time.Time
}

// NewSummaryStore creates an empty store.
func NewSummaryStore() *SummaryStore {
	return &SummaryStore{
		records: make(map[string]*summaryRecord),
		byTopic: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// AddSummary creates a summary. A positive ttl sets expires_at to now+ttl;
// otherwise the summary never expires on its own.
func (s *SummaryStore) AddSummary(topic, text string, weight float64, tier Tier, ttl time.Duration) (ContextSummary, error) {
	return s.Add(SummaryInput{Topic: topic, Text: text, Weight: weight, Tier: tier, TTL: ttl})
}

// Add creates a summary from a SummaryInput.
func (s *SummaryStore) Add(in SummaryInput) (ContextSummary, error) {
	if in.Topic == "" {
		return ContextSummary{}, fmt.Errorf("%w: summary has no topic", ErrInvariantViolation)
	}
	if math.IsNaN(in.Weight) || in.Weight < 0 || in.Weight > 1 {
		return ContextSummary{}, fmt.Errorf("%w: summary weight %v outside [0,1]", ErrInvariantViolation, in.Weight)
	}
	if in.Tier != TierMidTerm && in.Tier != TierLongTerm {
		return ContextSummary{}, fmt.Errorf("%w: summary tier %q, want mid_term or long_term", ErrInvariantViolation, in.Tier)
	}
	if in.TTL < 0 {
		return ContextSummary{}, fmt.Errorf("%w: negative ttl %s", ErrInvariantViolation, in.TTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sum := ContextSummary{
		ID:          uuid.New().String(),
		Topic:       in.Topic,
		Summary:     in.Text,
		Weight:      in.Weight,
		EmbeddingID: in.EmbeddingID,
		Tier:        in.Tier,
		CreatedAt:   now,
		AccessedAt:  now,
		Metadata:    maps.Clone(in.Metadata),
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		sum.ExpiresAt = &exp
	}

	s.records[sum.ID] = &summaryRecord{
		summary:    sum,
		baseWeight: in.Weight,
		details:    cloneDetails(in.Details),
	}
	ids, ok := s.byTopic[sum.Topic]
	if !ok {
		ids = make(map[string]struct{})
		s.byTopic[sum.Topic] = ids
	}
	ids[sum.ID] = struct{}{}

	return sum.clone(), nil
}

// AppendDetails attaches constituent records to an existing summary.
func (s *SummaryStore) AppendDetails(id string, details ...ContextDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("summary %s: %w", id, ErrNotFound)
	}
	rec.details = append(rec.details, cloneDetails(details)...)
	return nil
}

// SetEmbeddingID records where the summary's vector lives.
func (s *SummaryStore) SetEmbeddingID(id, embeddingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("summary %s: %w", id, ErrNotFound)
	}
	rec.summary.EmbeddingID = embeddingID
	return nil
}

// ExpireSweep removes every summary whose expires_at is at or before now and
// returns the removed summaries. Calling it again with the same now removes
// nothing more.
func (s *SummaryStore) ExpireSweep(now time.Time) []ContextSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []ContextSummary
	for id, rec := range s.records {
		if !rec.summary.Expired(now) {
			continue
		}
		removed = append(removed, rec.summary.clone())
		s.remove(id, rec.summary.Topic)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// Decay lowers each summary's weight by half for every halfLife elapsed
// since it was last accessed, never below floor (or the summary's original
// weight, if that was lower). It returns the number of summaries whose
// weight changed.
func (s *SummaryStore) Decay(now time.Time, halfLife time.Duration, floor float64) int {
	if halfLife <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, rec := range s.records {
		idle := now.Sub(rec.summary.AccessedAt)
		if idle <= 0 {
			continue
		}
		w := rec.baseWeight * math.Pow(0.5, float64(idle)/float64(halfLife))
		if w < floor {
			w = math.Min(floor, rec.baseWeight)
		}
		if w != rec.summary.Weight {
			rec.summary.Weight = w
			changed++
		}
	}
	return changed
}

// Query returns the unexpired summaries for topic and related topics,
// highest weight first. At detailed depth the constituent details are
// returned as well; summary depth omits them to bound the response.
//
// Query does not reinforce what it returns; call Touch for that.
func (s *SummaryStore) Query(topic string, depth Depth, related ...string) ([]ContextSummary, []ContextDetail) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var recs []*summaryRecord
	seen := make(map[string]struct{})
	for _, t := range append([]string{topic}, related...) {
		for id := range s.byTopic[t] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			rec := s.records[id]
			if rec.summary.Expired(now) {
				continue
			}
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].summary, recs[j].summary
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if !a.AccessedAt.Equal(b.AccessedAt) {
			return a.AccessedAt.After(b.AccessedAt)
		}
		return a.ID < b.ID
	})

	summaries := make([]ContextSummary, 0, len(recs))
	var details []ContextDetail
	for _, rec := range recs {
		summaries = append(summaries, rec.summary.clone())
		if depth == DepthDetailed {
			details = append(details, cloneDetails(rec.details)...)
		}
	}
	return summaries, details
}

// Touch marks summaries as accessed now and resets their decay baseline to
// the current weight.
func (s *SummaryStore) Touch(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if now.After(rec.summary.AccessedAt) {
			rec.summary.AccessedAt = now
		}
		rec.baseWeight = rec.summary.Weight
	}
}

// Get returns a summary by ID.
func (s *SummaryStore) Get(id string) (ContextSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return ContextSummary{}, false
	}
	return rec.summary.clone(), true
}

// LatestCreated returns the most recently created unexpired summary for topic.
func (s *SummaryStore) LatestCreated(topic string) (ContextSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var latest *summaryRecord
	for id := range s.byTopic[topic] {
		rec := s.records[id]
		if rec.summary.Expired(now) {
			continue
		}
		if latest == nil || rec.summary.CreatedAt.After(latest.summary.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return ContextSummary{}, false
	}
	return latest.summary.clone(), true
}

// Len returns the number of stored summaries, expired ones included.
func (s *SummaryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *SummaryStore) remove(id, topic string) {
	delete(s.records, id)
	ids := s.byTopic[topic]
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.byTopic, topic)
	}
}

func cloneDetails(details []ContextDetail) []ContextDetail {
	if len(details) == 0 {
		return nil
	}
	out := slices.Clone(details)
	for i := range out {
		out[i].Metadata = maps.Clone(out[i].Metadata)
	}
	return out
}
