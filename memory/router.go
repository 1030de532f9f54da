package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/becomeliminal/aletheia/telemetry"
)

// Confidence blend: the best single match dominates, breadth of coverage
// tops it up.
const (
	bestMatchWeight = 0.7
	coverageWeight  = 0.3
)

// QueryRouter answers QueryRequests from the local tiers and falls back to
// the archive for detailed queries the local tiers answer poorly.
type QueryRouter struct {
	cache     *TierCache
	summaries *SummaryStore
	archive   Archive
	index     EmbeddingIndex
	embedder  Embedder
	responses *archiveCache
	cfg       Config
	now       func() time.Time
}

// NewQueryRouter creates a router. Archive responses are cached for
// cfg.ArchiveCacheTTL when an archive is configured.
func NewQueryRouter(cache *TierCache, summaries *SummaryStore, c Collaborators, cfg Config) (*QueryRouter, error) {
	r := &QueryRouter{
		cache:     cache,
		summaries: summaries,
		archive:   c.Archive,
		index:     c.Index,
		embedder:  c.Embedder,
		cfg:       cfg,
		now:       time.Now,
	}
	if c.Archive != nil && cfg.ArchiveCacheTTL > 0 {
		rc, err := newArchiveCache(cfg.ArchiveCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("create archive response cache: %w", err)
		}
		r.responses = rc
	}
	return r, nil
}

// Close releases the archive response cache.
func (r *QueryRouter) Close() {
	if r.responses != nil {
		r.responses.close()
	}
}

// Handle serves a query. It fails only for malformed requests; archive
// problems are reported in the response metadata and lower its confidence.
func (r *QueryRouter) Handle(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "memory.query", trace.WithAttributes(
		attribute.String("query.topic", req.Topic),
		attribute.String("query.depth", string(req.Depth)),
		attribute.String("query.agent", req.Agent),
	))
	defer span.End()

	var warnings []string
	query := req.Embedding
	if len(query) == 0 && r.embedder != nil {
		emb, err := r.embedder.Embed(ctx, req.Topic)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("embed topic: %v", err))
		} else {
			query = emb
		}
	}

	now := r.now()
	var cutoff time.Time
	if req.TimeWindowDays > 0 {
		cutoff = now.Add(-time.Duration(req.TimeWindowDays) * 24 * time.Hour)
	}

	var (
		wg        sync.WaitGroup
		matches   []Match
		cacheErr  error
		summaries []ContextSummary
		sumDetail []ContextDetail
		indexWarn string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		matches, cacheErr = r.cache.GetByTopicFunc(req.Topic, query, r.cfg.TopK, func(e *ScoredEntry, score float64) bool {
			if !req.admits(e.CreatedAt, cutoff) {
				return false
			}
			if req.Filters.MinConfidence > 0 && score < req.Filters.MinConfidence {
				return false
			}
			return matchesSource(e.Metadata, req.Filters.Source)
		}, req.Topics...)
	}()
	go func() {
		defer wg.Done()
		summaries, sumDetail, indexWarn = r.localSummaries(ctx, &req, query, cutoff)
	}()
	wg.Wait()

	if cacheErr != nil {
		span.SetStatus(codes.Error, cacheErr.Error())
		return nil, cacheErr
	}
	if indexWarn != "" {
		warnings = append(warnings, indexWarn)
	}

	ids := make([]string, len(summaries))
	for i := range summaries {
		ids[i] = summaries[i].ID
	}
	r.summaries.Touch(ids...)

	resp := &QueryResponse{
		Topic:            req.Topic,
		ContextSummaries: summaries,
		Details:          []ContextDetail{},
		Metadata: QueryMetadata{
			Retrieved:   now,
			Confidence:  r.confidence(matches, summaries),
			SourceCount: len(matches) + len(summaries),
		},
	}
	switch {
	case len(summaries) > 0:
		resp.Summary = summaries[0].Summary
	case len(matches) > 0:
		resp.Summary = truncate(matches[0].Entry.Content, 500)
	}
	for _, s := range summaries {
		resp.Metadata.LastUpdated = later(resp.Metadata.LastUpdated, s.CreatedAt)
	}
	for _, m := range matches {
		resp.Metadata.LastUpdated = later(resp.Metadata.LastUpdated, m.Entry.CreatedAt)
	}
	if req.Depth == DepthDetailed {
		for i := range matches {
			resp.Details = append(resp.Details, detailFromEntry(&matches[i].Entry))
		}
		resp.Details = append(resp.Details, sumDetail...)
	}

	if resp.Metadata.Confidence < r.cfg.ConfidenceFloor && req.Depth == DepthDetailed && r.archive != nil {
		resp.Metadata.ArchiveConsulted = true
		if err := r.mergeArchive(ctx, &req, resp); err != nil {
			warnings = append(warnings, fmt.Sprintf("archive query: %v", err))
			span.RecordError(err)
			log.Warn().
				Func(telemetry.LogTraceFields(ctx)).
				Err(err).
				Str("topic", req.Topic).
				Msg("archive_query_failed")
		}
	}

	if !req.Filters.WantsMetadata() {
		stripMetadata(resp)
	}
	resp.Metadata.Warnings = warnings

	span.SetAttributes(
		attribute.Float64("query.confidence", resp.Metadata.Confidence),
		attribute.Int("query.source_count", resp.Metadata.SourceCount),
		attribute.Bool("query.archive_consulted", resp.Metadata.ArchiveConsulted),
	)
	recordQueryMetrics(ctx, req.Depth, resp.Metadata.ArchiveConsulted)

	log.Debug().
		Func(telemetry.LogTraceFields(ctx)).
		Str("agent", req.Agent).
		Str("topic", req.Topic).
		Str("depth", string(req.Depth)).
		Int("entries", len(matches)).
		Int("summaries", len(summaries)).
		Float64("confidence", resp.Metadata.Confidence).
		Bool("archive_consulted", resp.Metadata.ArchiveConsulted).
		Msg("query_served")

	return resp, nil
}

// localSummaries reads matching summaries and orders them by index
// similarity when possible. The third result is a warning, if any.
func (r *QueryRouter) localSummaries(ctx context.Context, req *QueryRequest, query []float32, cutoff time.Time) ([]ContextSummary, []ContextDetail, string) {
	all, details := r.summaries.Query(req.Topic, req.Depth, req.Topics...)

	out := all[:0]
	for _, s := range all {
		if !req.admits(s.CreatedAt, cutoff) {
			continue
		}
		if req.Filters.MinConfidence > 0 && s.Weight < req.Filters.MinConfidence {
			continue
		}
		if !matchesSource(s.Metadata, req.Filters.Source) {
			continue
		}
		out = append(out, s)
	}

	kept := details[:0]
	for _, d := range details {
		if !req.admits(d.Timestamp, cutoff) || !matchesSource(d.Metadata, req.Filters.Source) {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		kept = nil
	}

	if r.index == nil || len(query) == 0 || len(out) < 2 {
		return out, kept, ""
	}
	hits, err := r.index.Search(ctx, query, r.summaries.Len())
	if err != nil {
		return out, kept, fmt.Sprintf("embedding index search: %v", err)
	}
	sim := make(map[string]float64, len(hits))
	for _, h := range hits {
		sim[h.ID] = h.Similarity
	}
	similarity := func(s *ContextSummary) float64 {
		if v, ok := sim[s.EmbeddingID]; ok && s.EmbeddingID != "" {
			return v
		}
		return -1
	}
	// Summaries arrive ordered by weight; a stable sort keeps that order
	// among summaries without a vector.
	sort.SliceStable(out, func(i, j int) bool {
		return similarity(&out[i]) > similarity(&out[j])
	})
	return out, kept, ""
}

// confidence is 0.7 × best + 0.3 × coverage, where best is the top entry
// score or top summary weight and coverage is the share of top_k filled by
// scoring entries and summaries.
func (r *QueryRouter) confidence(matches []Match, summaries []ContextSummary) float64 {
	best, found := 0.0, 0
	for _, m := range matches {
		best = math.Max(best, m.Score)
		if m.Score > 0 {
			found++
		}
	}
	for _, s := range summaries {
		best = math.Max(best, s.Weight)
	}
	found += len(summaries)

	coverage := 0.0
	if k := r.cfg.TopK; k > 0 {
		coverage = math.Min(1, float64(found)/float64(k))
	}
	return bestMatchWeight*best + coverageWeight*coverage
}

func (r *QueryRouter) mergeArchive(ctx context.Context, req *QueryRequest, resp *QueryResponse) error {
	ctx, span := tracer.Start(ctx, "memory.query.archive")
	defer span.End()

	var key string
	var remote *QueryResponse
	if r.responses != nil {
		key = archiveCacheKey(req)
		if cached, ok := r.responses.get(key); ok {
			remote = cached
			span.SetAttributes(attribute.Bool("archive.cache_hit", true))
		}
	}
	if remote == nil {
		var err error
		remote, err = r.archive.Query(ctx, *req, r.cfg.QueryTimeout)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if remote == nil {
			remote = &QueryResponse{}
		}
		if r.responses != nil {
			r.responses.set(key, remote)
		}
	}

	resp.ContextSummaries = append(resp.ContextSummaries, remote.ContextSummaries...)
	if req.Depth == DepthDetailed {
		resp.Details = append(resp.Details, remote.Details...)
	}
	if resp.Summary == "" {
		resp.Summary = remote.Summary
	}
	resp.Metadata.Confidence = math.Max(resp.Metadata.Confidence, clamp01(remote.Metadata.Confidence))
	sources := remote.Metadata.SourceCount
	if sources == 0 {
		sources = len(remote.ContextSummaries)
	}
	resp.Metadata.SourceCount += sources
	resp.Metadata.LastUpdated = later(resp.Metadata.LastUpdated, remote.Metadata.LastUpdated)
	resp.Metadata.MnemosyneAvailable = true
	return nil
}

// WaitArchiveCache blocks until cached archive responses are visible to
// later queries.
func (r *QueryRouter) WaitArchiveCache() {
	if r.responses != nil {
		r.responses.wait()
	}
}

func matchesSource(md map[string]any, want Source) bool {
	if want == "" {
		return true
	}
	got, ok := md["source"].(string)
	return !ok || Source(got) == want
}

func stripMetadata(resp *QueryResponse) {
	for i := range resp.ContextSummaries {
		resp.ContextSummaries[i].Metadata = nil
	}
	for i := range resp.Details {
		resp.Details[i].Metadata = nil
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
