package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/becomeliminal/aletheia/telemetry"
)

// RefreshState is a RefreshCycle state.
type RefreshState string

const (
	RefreshIdle      RefreshState = "idle"
	RefreshRunning   RefreshState = "running"
	RefreshCompleted RefreshState = "completed"
	RefreshFailed    RefreshState = "failed"
)

// RefreshStatus is the outcome of one refresh run. It is terminal once
// CompletedAt is set; callers always receive copies.
type RefreshStatus struct {
	ID                 string         `json:"id" yaml:"id"`
	StartedAt          time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	State              RefreshState   `json:"state" yaml:"state"`
	Success            bool           `json:"success" yaml:"success"`
	EntriesPruned      int            `json:"entries_pruned" yaml:"entries_pruned"`
	EntriesEvicted     int            `json:"entries_evicted" yaml:"entries_evicted"`
	SummariesCreated   int            `json:"summaries_created" yaml:"summaries_created"`
	SummariesExpired   int            `json:"summaries_expired" yaml:"summaries_expired"`
	SummariesDecayed   int            `json:"summaries_decayed" yaml:"summaries_decayed"`
	UpdatesPushed      int            `json:"updates_pushed" yaml:"updates_pushed"`
	UpdatesPending     int            `json:"updates_pending" yaml:"updates_pending"`
	MnemosyneAvailable bool           `json:"mnemosyne_available" yaml:"mnemosyne_available"`
	ContextConfidence  float64        `json:"context_confidence" yaml:"context_confidence"`
	Errors             []string       `json:"errors" yaml:"errors"`
	Metadata           map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the status.
func (s *RefreshStatus) Clone() RefreshStatus {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	c.Errors = slices.Clone(s.Errors)
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

func (s *RefreshStatus) addError(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// refreshAgent is the agent name on updates the cycle itself enqueues.
const refreshAgent = "aletheia"

// localSteps is the number of local maintenance steps a run performs:
// prune, summarize, expire sweep, decay.
const localSteps = 4

// Collaborators are the optional external dependencies of the RefreshCycle
// and QueryRouter. Nil fields disable the feature that needs them.
type Collaborators struct {
	Archive    Archive
	Index      EmbeddingIndex
	Embedder   Embedder
	Summarizer Summarizer
	Recorder   StatusRecorder
}

// RefreshCycle is the periodic maintenance pass. It prunes the TierCache,
// demotes what it removed into the SummaryStore, expires and decays
// summaries, and pushes queued updates to the archive.
//
// Only one run executes at a time. Archive failures degrade a run; only a
// pruning failure fails it.
type RefreshCycle struct {
	cache      *TierCache
	summaries  *SummaryStore
	queue      UpdateQueue
	archive    Archive
	index      EmbeddingIndex
	embedder   Embedder
	summarizer Summarizer
	recorder   StatusRecorder
	cfg        Config
	now        func() time.Time

	running sync.Mutex

	mu      sync.RWMutex
	state   RefreshState
	history []RefreshStatus
}

// NewRefreshCycle creates a cycle over the given stores.
func NewRefreshCycle(cache *TierCache, summaries *SummaryStore, queue UpdateQueue, c Collaborators, cfg Config) *RefreshCycle {
	summarizer := c.Summarizer
	if summarizer == nil {
		summarizer = ExtractiveSummarizer{}
	}
	return &RefreshCycle{
		cache:      cache,
		summaries:  summaries,
		queue:      queue,
		archive:    c.Archive,
		index:      c.Index,
		embedder:   c.Embedder,
		summarizer: summarizer,
		recorder:   c.Recorder,
		cfg:        cfg,
		now:        time.Now,
		state:      RefreshIdle,
	}
}

// Run executes one refresh. It returns ErrRefreshInProgress if another run
// is executing; otherwise it always returns the terminal status, including
// for failed runs.
//
// If ctx is cancelled mid-run, local changes already made stay in place and
// updates not yet pushed remain queued.
func (r *RefreshCycle) Run(ctx context.Context) (RefreshStatus, error) {
	if !r.running.TryLock() {
		return RefreshStatus{}, ErrRefreshInProgress
	}
	defer r.running.Unlock()

	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "memory.refresh")
	defer span.End()

	st := RefreshStatus{
		ID:        uuid.New().String(),
		StartedAt: r.now(),
		State:     RefreshRunning,
	}
	r.setState(RefreshRunning)

	log.Info().
		Func(telemetry.LogTraceFields(ctx)).
		Str("run_id", st.ID).
		Int("cache_entries", r.cache.Len()).
		Msg("refresh_started")

	succeeded := 0
	failed := false

	// 1. Prune, then collect anything the capacity bound evicted.
	pruned, err := r.prune(ctx)
	if err != nil {
		failed = true
		st.addError("prune: %v", err)
	} else {
		st.EntriesPruned = len(pruned)
		succeeded++
	}
	evicted := r.cache.DrainEvicted()
	st.EntriesEvicted = len(evicted)

	// 2. Demote removed entries into summaries.
	if r.summarize(ctx, &st, append(pruned, evicted...)) {
		succeeded++
	}

	// 3. Expire summaries and decay the rest.
	if r.sweep(ctx, &st) {
		succeeded++
	}
	st.SummariesDecayed = r.summaries.Decay(r.now(), r.cfg.DecayHalfLife, r.cfg.MinWeight)
	succeeded++

	// 4. Push queued updates.
	st.MnemosyneAvailable = r.push(ctx, &st)

	// 5. Confidence.
	if st.MnemosyneAvailable && len(st.Errors) == 0 {
		st.ContextConfidence = 1.0
	} else {
		st.ContextConfidence = r.cfg.DegradedConfidence * float64(succeeded) / localSteps
	}

	completed := r.now()
	st.CompletedAt = &completed
	st.Success = !failed
	st.State = RefreshCompleted
	if failed {
		st.State = RefreshFailed
		span.SetStatus(codes.Error, "prune failed")
	}
	span.SetAttributes(
		attribute.String("refresh.state", string(st.State)),
		attribute.Int("refresh.entries_pruned", st.EntriesPruned),
		attribute.Int("refresh.summaries_created", st.SummariesCreated),
		attribute.Int("refresh.updates_pushed", st.UpdatesPushed),
		attribute.Bool("refresh.mnemosyne_available", st.MnemosyneAvailable),
	)

	r.finish(ctx, st)
	return st.Clone(), nil
}

func (r *RefreshCycle) prune(ctx context.Context) ([]ScoredEntry, error) {
	reps := make(map[string][]float32)
	for _, topic := range r.cache.Topics() {
		rep := r.cache.Centroid(topic, r.cfg.MaxAgeDays)
		if rep == nil && r.embedder != nil {
			emb, err := r.embedder.Embed(ctx, topic)
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("refresh_embed_topic_failed")
			} else {
				rep = emb
			}
		}
		reps[topic] = rep
	}
	return r.cache.Prune(r.cfg.RelevanceThreshold, r.cfg.MaxAgeDays, func(topic string) []float32 {
		return reps[topic]
	})
}

// summarize reports whether every topic group was demoted without error.
func (r *RefreshCycle) summarize(ctx context.Context, st *RefreshStatus, removed []ScoredEntry) bool {
	groups := make(map[string][]ScoredEntry)
	for _, e := range removed {
		groups[e.Topic] = append(groups[e.Topic], e)
	}
	topics := make([]string, 0, len(groups))
	for t := range groups {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	ok := true
	now := r.now()
	for _, topic := range topics {
		entries := groups[topic]
		details := make([]ContextDetail, 0, len(entries))
		for i := range entries {
			details = append(details, detailFromEntry(&entries[i]))
		}

		if latest, found := r.summaries.LatestCreated(topic); found && now.Sub(latest.CreatedAt) < r.cfg.SummaryRecency {
			if err := r.summaries.AppendDetails(latest.ID, details...); err != nil {
				st.addError("append details to %s: %v", latest.ID, err)
				ok = false
			}
			continue
		}

		text, err := r.summaryText(ctx, topic, entries)
		if err != nil {
			st.addError("summarize %s: %v", topic, err)
			ok = false
		}

		tier, ttl := TierMidTerm, r.cfg.MidTermTTL
		accesses := 0
		oldest := entries[0].CreatedAt
		for _, e := range entries {
			accesses += e.AccessCount
			if e.CreatedAt.Before(oldest) {
				oldest = e.CreatedAt
			}
		}
		if wholeDays(now.Sub(oldest)) > r.cfg.LongTermAfterDays {
			tier, ttl = TierLongTerm, 0
		}

		sum, err := r.summaries.Add(SummaryInput{
			Topic:   topic,
			Text:    text,
			Weight:  1 - 0.5/float64(1+accesses),
			Tier:    tier,
			TTL:     ttl,
			Details: details,
			Metadata: map[string]any{
				"entry_count": len(entries),
				"run_id":      st.ID,
			},
		})
		if err != nil {
			st.addError("add summary %s: %v", topic, err)
			ok = false
			continue
		}
		st.SummariesCreated++

		if err := r.indexSummary(ctx, sum, entries); err != nil {
			st.addError("index summary %s: %v", sum.ID, err)
			ok = false
		}

		if tier == TierLongTerm {
			update := ContextUpdate{
				ID:            uuid.New().String(),
				SessionID:     uuid.New().String(),
				Agent:         refreshAgent,
				Topic:         topic,
				AcceptedIdeas: []string{},
				RejectedIdeas: []string{},
				SummaryText:   text,
				Timestamp:     now,
				Metadata: map[string]any{
					"summary_id": sum.ID,
					"tier":       string(TierLongTerm),
				},
			}
			// The entries are already gone from the cache; the update must
			// reach the queue even when the run is being cancelled.
			if err := r.queue.Enqueue(context.WithoutCancel(ctx), update); err != nil {
				st.addError("enqueue long-term summary %s: %v", sum.ID, err)
				ok = false
			}
		}
	}
	return ok
}

// summaryText asks the configured summarizer and falls back to the
// extractive one. The returned error reports the fallback; text is always
// usable.
func (r *RefreshCycle) summaryText(ctx context.Context, topic string, entries []ScoredEntry) (string, error) {
	sctx := ctx
	if r.cfg.SummarizeTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, r.cfg.SummarizeTimeout)
		defer cancel()
	}
	text, err := r.summarizer.Summarize(sctx, topic, entries)
	if err == nil && text != "" {
		return text, nil
	}
	if err == nil {
		err = errors.New("empty summary")
	}
	log.Warn().Err(err).Str("topic", topic).Msg("refresh_summarizer_fallback")

	fallback, ferr := ExtractiveSummarizer{}.Summarize(ctx, topic, entries)
	if ferr != nil {
		return topic, errors.Join(err, ferr)
	}
	return fallback, err
}

func (r *RefreshCycle) indexSummary(ctx context.Context, sum ContextSummary, entries []ScoredEntry) error {
	if r.index == nil {
		return nil
	}
	vectors := make([][]float32, 0, len(entries))
	for _, e := range entries {
		vectors = append(vectors, e.Embedding)
	}
	c := centroid(vectors)
	if c == nil || floats.Norm(widen(c), 2) == 0 {
		return nil
	}
	if err := r.index.Upsert(context.WithoutCancel(ctx), sum.ID, sum.Topic, c); err != nil {
		return err
	}
	return r.summaries.SetEmbeddingID(sum.ID, sum.ID)
}

// sweep reports whether expired summaries and their vectors were removed.
func (r *RefreshCycle) sweep(ctx context.Context, st *RefreshStatus) bool {
	expired := r.summaries.ExpireSweep(r.now())
	st.SummariesExpired = len(expired)
	if r.index == nil || len(expired) == 0 {
		return true
	}

	var ids []string
	for _, s := range expired {
		if s.EmbeddingID != "" {
			ids = append(ids, s.EmbeddingID)
		}
	}
	if len(ids) == 0 {
		return true
	}
	if err := r.index.Delete(context.WithoutCancel(ctx), ids...); err != nil {
		st.addError("delete expired embeddings: %v", err)
		return false
	}
	return true
}

// push delivers up to PushBatch queued updates and reports whether the
// archive was reachable.
func (r *RefreshCycle) push(ctx context.Context, st *RefreshStatus) bool {
	defer func() {
		if n, err := r.queue.Len(context.WithoutCancel(ctx)); err == nil {
			st.UpdatesPending = n
		}
	}()

	if r.archive == nil {
		return false
	}

	ctx, span := tracer.Start(ctx, "memory.refresh.push")
	defer span.End()

	pending, err := r.queue.Pending(ctx, r.cfg.PushBatch)
	if err != nil {
		st.addError("read update queue: %v", err)
		return r.ping(ctx)
	}
	if len(pending) == 0 {
		return r.ping(ctx)
	}

	var (
		acked     []string
		attempted int
		reachable = true
	)
	for _, u := range pending {
		if err := ctx.Err(); err != nil {
			st.addError("push abandoned: %v", err)
			reachable = attempted > 0 && reachable
			break
		}
		attempted++
		_, err := r.archive.Push(ctx, u, r.cfg.PushTimeout)
		switch {
		case err == nil:
			acked = append(acked, u.ID)
			st.UpdatesPushed++
		case errors.Is(err, ErrRejected):
			acked = append(acked, u.ID)
			st.addError("update %s rejected: %v", u.ID, err)
			log.Warn().Err(err).Str("update_id", u.ID).Msg("archive_push_rejected")
		default:
			reachable = false
			st.addError("push update %s: %v", u.ID, err)
			log.Warn().
				Func(telemetry.LogTraceFields(ctx)).
				Err(err).
				Str("update_id", u.ID).
				Int("remaining", len(pending)-attempted).
				Msg("archive_push_failed")
		}
		if !reachable {
			break
		}
	}

	if len(acked) > 0 {
		if err := r.queue.Ack(context.WithoutCancel(ctx), acked...); err != nil {
			st.addError("ack pushed updates: %v", err)
		}
	}

	span.SetAttributes(
		attribute.Int("push.attempted", attempted),
		attribute.Int("push.pushed", st.UpdatesPushed),
		attribute.Bool("push.reachable", reachable),
	)
	if !reachable {
		span.SetStatus(codes.Error, "archive unavailable")
	}
	return reachable
}

func (r *RefreshCycle) ping(ctx context.Context) bool {
	p, ok := r.archive.(Pinger)
	if !ok {
		return true
	}
	if err := p.Ping(ctx, r.cfg.PushTimeout); err != nil {
		log.Warn().Err(err).Msg("archive_ping_failed")
		trace.SpanFromContext(ctx).RecordError(err)
		return false
	}
	return true
}

func (r *RefreshCycle) finish(ctx context.Context, st RefreshStatus) {
	r.mu.Lock()
	r.state = st.State
	r.history = append(r.history, st.Clone())
	if limit := r.cfg.HistoryLimit; limit > 0 && len(r.history) > limit {
		r.history = slices.Clone(r.history[len(r.history)-limit:])
	}
	r.mu.Unlock()

	recordRefreshMetrics(ctx, &st)

	if r.recorder != nil {
		if err := r.recorder.RecordStatus(context.WithoutCancel(ctx), st.Clone()); err != nil {
			log.Warn().Err(err).Str("run_id", st.ID).Msg("refresh_status_record_failed")
		}
	}

	ev := log.Info()
	msg := "refresh_completed"
	if st.State == RefreshFailed {
		ev = log.Error()
		msg = "refresh_failed"
	}
	ev.Func(telemetry.LogTraceFields(ctx)).
		Str("run_id", st.ID).
		Int("entries_pruned", st.EntriesPruned).
		Int("entries_evicted", st.EntriesEvicted).
		Int("summaries_created", st.SummariesCreated).
		Int("summaries_expired", st.SummariesExpired).
		Int("updates_pushed", st.UpdatesPushed).
		Int("updates_pending", st.UpdatesPending).
		Bool("mnemosyne_available", st.MnemosyneAvailable).
		Float64("context_confidence", st.ContextConfidence).
		Int("errors", len(st.Errors)).
		Dur("duration", st.CompletedAt.Sub(st.StartedAt)).
		Msg(msg)
}

func (r *RefreshCycle) setState(s RefreshState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the cycle's current state.
func (r *RefreshCycle) State() RefreshState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// History returns up to limit of the most recent statuses, oldest first.
// limit <= 0 returns everything retained.
func (r *RefreshCycle) History(limit int) []RefreshStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]RefreshStatus, len(h))
	for i := range h {
		out[i] = h[i].Clone()
	}
	return out
}

// Latest returns the most recent terminal status.
func (r *RefreshCycle) Latest() (RefreshStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return RefreshStatus{}, false
	}
	return r.history[len(r.history)-1].Clone(), true
}

func detailFromEntry(e *ScoredEntry) ContextDetail {
	agent, _ := e.Metadata["agent"].(string)
	return ContextDetail{
		Timestamp:   e.CreatedAt,
		SourceAgent: agent,
		Excerpt:     e.Content,
		Metadata:    maps.Clone(e.Metadata),
	}
}
