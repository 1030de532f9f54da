package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager wires the tiers, the refresh cycle and the query router into the
// write and read paths agents use.
//
// Write path: Put stores short-term entries; Enqueue queues session
// outcomes for the archive and, when they name a topic, also caches them.
// Read path: Query. Maintenance: Refresh on demand, or Start a schedule.
type Manager struct {
	cache     *TierCache
	summaries *SummaryStore
	queue     UpdateQueue
	embedder  Embedder
	router    *QueryRouter
	refresh   *RefreshCycle
	scheduler *Scheduler
	cfg       Config
}

// NewManager creates a Manager. A nil queue selects an in-memory queue; a
// nil summarizer selects the ExtractiveSummarizer. With an Embedder and no
// configured Dimensions, the cache takes the embedder's vector length.
func NewManager(cfg Config, queue UpdateQueue, c Collaborators) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		queue = NewMemoryQueue()
	}
	if c.Embedder != nil {
		switch dims := c.Embedder.Dimensions(); {
		case cfg.Dimensions == 0:
			cfg.Dimensions = dims
		case dims != cfg.Dimensions:
			return nil, fmt.Errorf("%w: embedder produces %d dimensions, cache expects %d",
				ErrDimensionMismatch, dims, cfg.Dimensions)
		}
	}

	cache := NewTierCache(cfg.Capacity, cfg.Dimensions)
	summaries := NewSummaryStore()
	router, err := NewQueryRouter(cache, summaries, c, cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cache:     cache,
		summaries: summaries,
		queue:     queue,
		embedder:  c.Embedder,
		router:    router,
		refresh:   NewRefreshCycle(cache, summaries, queue, c, cfg),
		cfg:       cfg,
	}, nil
}

// Put stores a short-term entry. Entries without an embedding are embedded
// from their content when an Embedder is configured.
func (m *Manager) Put(ctx context.Context, entry ScoredEntry) (ScoredEntry, error) {
	if len(entry.Embedding) == 0 && entry.Content != "" && m.embedder != nil {
		emb, err := m.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return ScoredEntry{}, fmt.Errorf("embed entry: %w", err)
		}
		entry.Embedding = emb
	}
	stored, err := m.cache.Put(entry)
	if err != nil {
		return ScoredEntry{}, err
	}
	log.Debug().
		Str("entry_id", stored.ID).
		Str("topic", stored.Topic).
		Int("cache_entries", m.cache.Len()).
		Msg("entry_stored")
	return stored, nil
}

// Enqueue queues an update for the next refresh push and returns it with
// its assigned ID and timestamp. An update naming a topic also enters the
// short-term tier so it can answer queries before it reaches the archive.
func (m *Manager) Enqueue(ctx context.Context, update ContextUpdate) (ContextUpdate, error) {
	if err := update.Validate(); err != nil {
		return ContextUpdate{}, err
	}
	if update.ID == "" {
		update.ID = uuid.New().String()
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	if update.Topic != "" {
		md := maps.Clone(update.Metadata)
		if md == nil {
			md = make(map[string]any)
		}
		md["agent"] = update.Agent
		md["session_id"] = update.SessionID
		md["update_id"] = update.ID
		if _, ok := md["source"]; !ok {
			md["source"] = string(SourceAgentOutputs)
		}
		if _, err := m.Put(ctx, ScoredEntry{
			Content:  update.SummaryText,
			Topic:    update.Topic,
			Metadata: md,
		}); err != nil {
			return ContextUpdate{}, fmt.Errorf("cache update: %w", err)
		}
	}

	if err := m.queue.Enqueue(ctx, update); err != nil {
		return ContextUpdate{}, fmt.Errorf("enqueue update: %w", err)
	}
	log.Info().
		Str("update_id", update.ID).
		Str("session_id", update.SessionID).
		Str("agent", update.Agent).
		Msg("update_enqueued")
	return update, nil
}

// Query answers a QueryRequest from the local tiers and, when needed, the
// archive.
func (m *Manager) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	return m.router.Handle(ctx, req)
}

// Refresh runs one refresh now. It returns ErrRefreshInProgress when a run
// is already executing.
func (m *Manager) Refresh(ctx context.Context) (RefreshStatus, error) {
	return m.refresh.Run(ctx)
}

// History returns up to limit recent refresh statuses, oldest first.
func (m *Manager) History(limit int) []RefreshStatus {
	return m.refresh.History(limit)
}

// Latest returns the most recent refresh status.
func (m *Manager) Latest() (RefreshStatus, bool) {
	return m.refresh.Latest()
}

// RefreshState returns the refresh cycle's current state.
func (m *Manager) RefreshState() RefreshState {
	return m.refresh.State()
}

// Stats is a point-in-time view of the tiers.
type Stats struct {
	CacheEntries   int          `json:"cache_entries"`
	Summaries      int          `json:"summaries"`
	UpdatesPending int          `json:"updates_pending"`
	RefreshState   RefreshState `json:"refresh_state"`
}

// Stats reports tier sizes.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	pending, err := m.queue.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue length: %w", err)
	}
	return Stats{
		CacheEntries:   m.cache.Len(),
		Summaries:      m.summaries.Len(),
		UpdatesPending: pending,
		RefreshState:   m.refresh.State(),
	}, nil
}

// Start schedules refreshes on cfg.RefreshSchedule. An empty schedule
// disables scheduling; refreshes then run only on demand.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.RefreshSchedule == "" {
		return nil
	}
	if m.scheduler != nil {
		return errors.New("manager already started")
	}
	s, err := NewScheduler(m.refresh, m.cfg.RefreshSchedule, m.cfg.RunTimeout)
	if err != nil {
		return err
	}
	m.scheduler = s
	s.Start(ctx)
	return nil
}

// Stop halts scheduled refreshes, cancelling a scheduled run in flight, and
// releases the router's caches.
func (m *Manager) Stop() {
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
	m.router.Close()
}

// Config holds the cache's tuning parameters.
type Config struct {
	// Capacity bounds the short-term tier. 0 means unbounded.
	Capacity int `yaml:"capacity" mapstructure:"capacity"`

	// Dimensions, when positive, is the required embedding length. 0 takes
	// the Embedder's length, or the first stored embedding's.
	Dimensions int `yaml:"dimensions" mapstructure:"dimensions"`

	// TopK is the number of short-term entries a query returns.
	TopK int `yaml:"top_k" mapstructure:"top_k"`

	// RelevanceThreshold and MaxAgeDays drive pruning: an entry older than
	// MaxAgeDays scoring below RelevanceThreshold leaves the short-term tier.
	RelevanceThreshold float64 `yaml:"relevance_threshold" mapstructure:"relevance_threshold"`
	MaxAgeDays         int     `yaml:"max_age_days" mapstructure:"max_age_days"`

	// LongTermAfterDays: pruned groups older than this become long-term
	// summaries and are queued for the archive.
	LongTermAfterDays int `yaml:"long_term_after_days" mapstructure:"long_term_after_days"`

	MidTermTTL     time.Duration `yaml:"mid_term_ttl" mapstructure:"mid_term_ttl"`
	SummaryRecency time.Duration `yaml:"summary_recency" mapstructure:"summary_recency"`
	DecayHalfLife  time.Duration `yaml:"decay_half_life" mapstructure:"decay_half_life"`
	MinWeight      float64       `yaml:"min_weight" mapstructure:"min_weight"`

	// ConfidenceFloor is the query confidence below which detailed queries
	// consult the archive.
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`

	// DegradedConfidence caps a refresh's context_confidence when the archive
	// is unreachable or a step reported errors.
	DegradedConfidence float64 `yaml:"degraded_confidence" mapstructure:"degraded_confidence"`

	PushTimeout      time.Duration `yaml:"push_timeout" mapstructure:"push_timeout"`
	QueryTimeout     time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
	SummarizeTimeout time.Duration `yaml:"summarize_timeout" mapstructure:"summarize_timeout"`
	RunTimeout       time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`

	// PushBatch bounds the updates pushed per refresh.
	PushBatch int `yaml:"push_batch" mapstructure:"push_batch"`

	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit"`

	// RefreshSchedule is a cron expression or descriptor ("@every 24h").
	RefreshSchedule string `yaml:"refresh_schedule" mapstructure:"refresh_schedule"`

	ArchiveCacheTTL time.Duration `yaml:"archive_cache_ttl" mapstructure:"archive_cache_ttl"`
}

// DefaultConfig returns the defaults for a single-node cache.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		TopK:               10,
		RelevanceThreshold: 0.5,
		MaxAgeDays:         30,
		LongTermAfterDays:  90,
		MidTermTTL:         60 * 24 * time.Hour,
		SummaryRecency:     24 * time.Hour,
		DecayHalfLife:      30 * 24 * time.Hour,
		MinWeight:          0.1,
		ConfidenceFloor:    0.5,
		DegradedConfidence: 0.6,
		PushTimeout:        5 * time.Second,
		QueryTimeout:       3 * time.Second,
		SummarizeTimeout:   30 * time.Second,
		RunTimeout:         10 * time.Minute,
		PushBatch:          500,
		HistoryLimit:       100,
		RefreshSchedule:    "@every 24h",
		ArchiveCacheTTL:    5 * time.Minute,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Capacity >= 0, "capacity must be >= 0, got %d", c.Capacity)
	check(c.Dimensions >= 0, "dimensions must be >= 0, got %d", c.Dimensions)
	check(c.TopK > 0, "top_k must be > 0, got %d", c.TopK)
	check(unit(c.RelevanceThreshold), "relevance_threshold must be in [0,1], got %v", c.RelevanceThreshold)
	check(c.MaxAgeDays >= 0, "max_age_days must be >= 0, got %d", c.MaxAgeDays)
	check(c.LongTermAfterDays >= 0, "long_term_after_days must be >= 0, got %d", c.LongTermAfterDays)
	check(c.MidTermTTL >= 0, "mid_term_ttl must be >= 0, got %s", c.MidTermTTL)
	check(c.DecayHalfLife >= 0, "decay_half_life must be >= 0, got %s", c.DecayHalfLife)
	check(unit(c.MinWeight), "min_weight must be in [0,1], got %v", c.MinWeight)
	check(unit(c.ConfidenceFloor), "confidence_floor must be in [0,1], got %v", c.ConfidenceFloor)
	check(unit(c.DegradedConfidence), "degraded_confidence must be in [0,1], got %v", c.DegradedConfidence)
	check(c.PushBatch >= 0, "push_batch must be >= 0, got %d", c.PushBatch)
	check(c.HistoryLimit >= 0, "history_limit must be >= 0, got %d", c.HistoryLimit)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvariantViolation, errors.Join(errs...))
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
