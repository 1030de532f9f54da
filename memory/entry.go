package memory

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is the retention class of a context record.
type Tier string

const (
	TierShortTerm Tier = "short_term" // cache, up to max_age_days
	TierMidTerm   Tier = "mid_term"   // local summaries
	TierLongTerm  Tier = "long_term"  // archive (Mnemosyne)
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierShortTerm, TierMidTerm, TierLongTerm:
		return true
	}
	return false
}

// Depth selects how much of a topic's context a query returns.
type Depth string

const (
	DepthSummary  Depth = "summary"
	DepthDetailed Depth = "detailed"
)

// Source classifies where a piece of context came from.
type Source string

const (
	SourceUserComments Source = "user_comments"
	SourceAgentOutputs Source = "agent_outputs"
	SourceDocuments    Source = "documents"
)

// ScoredEntry is a single unit of short-term context.
//
// The TierCache owns every ScoredEntry it holds. Values handed out by the
// cache are copies; mutating them does not affect the cache.
type ScoredEntry struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Embedding   []float32      `json:"embedding,omitempty"`
	Topic       string         `json:"topic"`
	Tier        Tier           `json:"tier"`
	CreatedAt   time.Time      `json:"created_at"`
	AccessedAt  time.Time      `json:"accessed_at"`
	AccessCount int            `json:"access_count"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the write-path invariants of an entry.
func (e *ScoredEntry) Validate() error {
	if e.Topic == "" {
		return fmt.Errorf("%w: entry %q has no topic", ErrInvariantViolation, e.ID)
	}
	if e.AccessCount < 0 {
		return fmt.Errorf("%w: entry %q has negative access_count %d", ErrInvariantViolation, e.ID, e.AccessCount)
	}
	if !e.CreatedAt.IsZero() && !e.AccessedAt.IsZero() && e.AccessedAt.Before(e.CreatedAt) {
		return fmt.Errorf("%w: entry %q accessed_at precedes created_at", ErrInvariantViolation, e.ID)
	}
	if e.Tier != "" && e.Tier != TierShortTerm {
		return fmt.Errorf("%w: entry %q has tier %q, cache writes are short_term only", ErrInvariantViolation, e.ID, e.Tier)
	}
	return nil
}

// AgeDays returns the number of whole days since the entry was created.
func (e *ScoredEntry) AgeDays(now time.Time) int {
	return wholeDays(now.Sub(e.CreatedAt))
}

// Clone returns a deep copy of the entry.
func (e *ScoredEntry) Clone() ScoredEntry {
	c := *e
	c.Embedding = slices.Clone(e.Embedding)
	c.Metadata = maps.Clone(e.Metadata)
	return c
}

// ContextDetail is one constituent record behind a summary.
type ContextDetail struct {
	Timestamp   time.Time      `json:"timestamp"`
	SourceAgent string         `json:"source_agent"`
	Excerpt     string         `json:"excerpt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ContextSummary is a coarse, pre-aggregated record in the mid or long term
// tier. EmbeddingID references a vector in an external embedding index; the
// summary does not own it.
type ContextSummary struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Summary     string         `json:"summary"`
	Weight      float64        `json:"weight"`
	EmbeddingID string         `json:"embedding_id,omitempty"`
	Tier        Tier           `json:"tier"`
	CreatedAt   time.Time      `json:"created_at"`
	AccessedAt  time.Time      `json:"accessed_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the summary's expiry is at or before now.
func (s *ContextSummary) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// AgeDays returns the number of whole days since the summary was created.
func (s *ContextSummary) AgeDays(now time.Time) int {
	return wholeDays(now.Sub(s.CreatedAt))
}

func (s *ContextSummary) clone() ContextSummary {
	c := *s
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

// QueryFilters narrows a query.
type QueryFilters struct {
	Source          Source  `json:"source,omitempty"`
	IncludeMetadata *bool   `json:"include_metadata,omitempty"`
	MinConfidence   float64 `json:"min_confidence,omitempty"`
}

// WantsMetadata reports whether metadata maps should be returned. Metadata
// is included unless explicitly disabled.
func (f QueryFilters) WantsMetadata() bool {
	return f.IncludeMetadata == nil || *f.IncludeMetadata
}

// DefaultTimeWindowDays bounds queries that do not set a window.
const DefaultTimeWindowDays = 90

// QueryRequest asks for the context known about a topic.
type QueryRequest struct {
	Agent          string       `json:"agent"`
	Topic          string       `json:"topic"`
	Topics         []string     `json:"topics,omitempty"`
	TimeWindowDays int          `json:"time_window_days,omitempty"`
	Depth          Depth        `json:"depth,omitempty"`
	Filters        QueryFilters `json:"filters"`

	// Range is an absolute date filter, "2025-07-01 to 2025-10-01", both
	// days inclusive (UTC). A request with a Range and no TimeWindowDays is
	// bounded by the range alone.
	Range string `json:"range,omitempty"`

	// Embedding is an optional caller-computed query vector. When absent the
	// configured Embedder embeds the topic.
	Embedding []float32 `json:"embedding,omitempty"`

	from, until time.Time // parsed Range; until is exclusive
}

const (
	rangeDateLayout = "2006-01-02"
	rangeSeparator  = " to "
)

func parseRange(s string) (from, until time.Time, err error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), rangeSeparator)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range %q, want \"YYYY-MM-DD to YYYY-MM-DD\"", ErrInvariantViolation, s)
	}
	from, err = time.Parse(rangeDateLayout, strings.TrimSpace(lo))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range start: %v", ErrInvariantViolation, err)
	}
	last, err := time.Parse(rangeDateLayout, strings.TrimSpace(hi))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range end: %v", ErrInvariantViolation, err)
	}
	if last.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range %q ends before it starts", ErrInvariantViolation, s)
	}
	return from, last.AddDate(0, 0, 1), nil
}

// admits reports whether a record created at t falls inside the request's
// relative window (cutoff) and its absolute range.
func (r *QueryRequest) admits(t, cutoff time.Time) bool {
	if t.Before(cutoff) {
		return false
	}
	if r.Range != "" && (t.Before(r.from) || !t.Before(r.until)) {
		return false
	}
	return true
}

func (r *QueryRequest) normalize() error {
	if r.Topic == "" {
		return fmt.Errorf("%w: query has no topic", ErrInvariantViolation)
	}
	if r.Depth == "" {
		r.Depth = DepthSummary
	}
	if r.Depth != DepthSummary && r.Depth != DepthDetailed {
		return fmt.Errorf("%w: unknown depth %q", ErrInvariantViolation, r.Depth)
	}
	if r.Agent == "" {
		return fmt.Errorf("%w: query has no agent", ErrInvariantViolation)
	}
	if r.Range != "" {
		from, until, err := parseRange(r.Range)
		if err != nil {
			return err
		}
		r.from, r.until = from, until
	}
	if r.TimeWindowDays < 0 || (r.TimeWindowDays == 0 && r.Range == "") {
		r.TimeWindowDays = DefaultTimeWindowDays
	}
	if r.Filters.MinConfidence < 0 || r.Filters.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence %v outside [0,1]", ErrInvariantViolation, r.Filters.MinConfidence)
	}
	return nil
}

// QueryMetadata describes how a response was produced. MnemosyneAvailable
// is set only when this query reached the archive or its cached answer.
type QueryMetadata struct {
	Retrieved          time.Time `json:"retrieved"`
	Confidence         float64   `json:"confidence"`
	LastUpdated        time.Time `json:"last_updated"`
	SourceCount        int       `json:"source_count"`
	ArchiveConsulted   bool      `json:"archive_consulted"`
	MnemosyneAvailable bool      `json:"mnemosyne_available"`
	Warnings           []string  `json:"warnings,omitempty"`
}

// QueryResponse is the best-effort answer to a QueryRequest.
type QueryResponse struct {
	Topic            string           `json:"topic"`
	Summary          string           `json:"summary"`
	ContextSummaries []ContextSummary `json:"context_summaries"`
	Details          []ContextDetail  `json:"details"`
	Metadata         QueryMetadata    `json:"metadata"`
}

// ContextUpdate is an agent's session outcome, queued for the archive.
type ContextUpdate struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Agent         string         `json:"agent"`
	Topic         string         `json:"topic,omitempty"`
	AcceptedIdeas []string       `json:"accepted_ideas"`
	RejectedIdeas []string       `json:"rejected_ideas"`
	SummaryText   string         `json:"summary_text"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields every update must carry.
func (u *ContextUpdate) Validate() error {
	if u.SessionID == "" {
		return fmt.Errorf("%w: update has no session_id", ErrInvariantViolation)
	}
	if _, err := uuid.Parse(u.SessionID); err != nil {
		return fmt.Errorf("%w: session_id %q is not a UUID", ErrInvariantViolation, u.SessionID)
	}
	if u.Agent == "" {
		return fmt.Errorf("%w: update has no agent", ErrInvariantViolation)
	}
	if u.SummaryText == "" {
		return fmt.Errorf("%w: update has no summary_text", ErrInvariantViolation)
	}
	return nil
}

// Ack is the archive's receipt for a pushed update.
type Ack struct {
	UpdateID   string    `json:"update_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func wholeDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
