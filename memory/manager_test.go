package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/aletheia/memory"
	"github.com/becomeliminal/aletheia/memory/embedder/hash"
	"github.com/becomeliminal/aletheia/memory/store/chromem"
)

func newManager(t *testing.T, mutate func(*memory.Config), c memory.Collaborators) *memory.Manager {
	t.Helper()
	cfg := memory.DefaultConfig()
	cfg.RefreshSchedule = ""
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := memory.NewManager(cfg, nil, c)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.TopK = 0
	_, err := memory.NewManager(cfg, nil, memory.Collaborators{})
	assert.True(t, errors.Is(err, memory.ErrInvariantViolation))
}

func TestNewManager_EmbedderDimensionMismatch(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.Dimensions = 128
	_, err := memory.NewManager(cfg, nil, memory.Collaborators{Embedder: hash.New(64)})
	assert.True(t, errors.Is(err, memory.ErrDimensionMismatch))
}

func TestManager_PutEmbedsContent(t *testing.T) {
	m := newManager(t, nil, memory.Collaborators{Embedder: hash.New(64)})
	ctx := context.Background()

	stored, err := m.Put(ctx, memory.ScoredEntry{Topic: "payments", Content: "retry failed card payments nightly"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Len(t, stored.Embedding, 64)

	resp, err := m.Query(ctx, memory.QueryRequest{Agent: "planner", Topic: "payments", Depth: memory.DepthDetailed})
	require.NoError(t, err)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "retry failed card payments nightly", resp.Details[0].Excerpt)
	assert.Greater(t, resp.Metadata.Confidence, 0.0)
}

func TestManager_PutRejectsWrongDimensions(t *testing.T) {
	m := newManager(t, func(c *memory.Config) { c.Dimensions = 4 }, memory.Collaborators{})
	_, err := m.Put(context.Background(), memory.ScoredEntry{Topic: "t", Embedding: []float32{1, 0}})
	assert.True(t, errors.Is(err, memory.ErrDimensionMismatch))
}

func TestManager_DimensionsFollowTheEmbedder(t *testing.T) {
	m := newManager(t, nil, memory.Collaborators{Embedder: hash.New(64)})
	_, err := m.Put(context.Background(), memory.ScoredEntry{Topic: "t", Embedding: []float32{1, 0}})
	assert.True(t, errors.Is(err, memory.ErrDimensionMismatch))
}

func TestManager_FirstEmbeddingFixesDimensions(t *testing.T) {
	m := newManager(t, nil, memory.Collaborators{})
	ctx := context.Background()
	_, err := m.Put(ctx, memory.ScoredEntry{Topic: "a", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = m.Put(ctx, memory.ScoredEntry{Topic: "a", Embedding: []float32{1, 0}})
	assert.True(t, errors.Is(err, memory.ErrDimensionMismatch))
}

func TestManager_Enqueue(t *testing.T) {
	m := newManager(t, nil, memory.Collaborators{Embedder: hash.New(32)})
	ctx := context.Background()

	t.Run("assigns id and timestamp", func(t *testing.T) {
		u, err := m.Enqueue(ctx, memory.ContextUpdate{SessionID: "5f0c7a52-3f7e-4a52-9d8e-2f1f6b0c9a11", Agent: "scribe", SummaryText: "no topic"})
		require.NoError(t, err)
		assert.NotEmpty(t, u.ID)
		assert.False(t, u.Timestamp.IsZero())
	})

	t.Run("topic updates are cached", func(t *testing.T) {
		_, err := m.Enqueue(ctx, memory.ContextUpdate{
			SessionID: "a3d1e0b4-8c2f-4e6a-b1d7-6c9e2f4a8b30", Agent: "scribe", Topic: "onboarding",
			SummaryText: "users drop off at the KYC step",
		})
		require.NoError(t, err)

		resp, err := m.Query(ctx, memory.QueryRequest{Agent: "planner", Topic: "onboarding", Depth: memory.DepthDetailed})
		require.NoError(t, err)
		require.Len(t, resp.Details, 1)
		assert.Equal(t, "scribe", resp.Details[0].Metadata["agent"])
		assert.Equal(t, string(memory.SourceAgentOutputs), resp.Details[0].Metadata["source"])
	})

	t.Run("invalid", func(t *testing.T) {
		for name, u := range map[string]memory.ContextUpdate{
			"no session":         {Agent: "scribe", SummaryText: "x"},
			"session not a uuid": {SessionID: "session-7", Agent: "scribe", SummaryText: "x"},
			"no agent":           {SessionID: "5f0c7a52-3f7e-4a52-9d8e-2f1f6b0c9a11", SummaryText: "x"},
		} {
			_, err := m.Enqueue(ctx, u)
			assert.True(t, errors.Is(err, memory.ErrInvariantViolation), name)
		}
	})

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UpdatesPending)
	assert.Equal(t, 1, stats.CacheEntries)
	assert.Equal(t, memory.RefreshIdle, stats.RefreshState)
}

func TestManager_RefreshAndHistory(t *testing.T) {
	m := newManager(t, nil, memory.Collaborators{})
	ctx := context.Background()

	_, ok := m.Latest()
	assert.False(t, ok)

	st, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, st.Success)
	assert.False(t, st.MnemosyneAvailable)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, memory.RefreshCompleted, m.RefreshState())

	_, err = m.Refresh(ctx)
	require.NoError(t, err)

	assert.Len(t, m.History(0), 2)
	assert.Len(t, m.History(1), 1)
	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, m.History(1)[0].ID, latest.ID)
}

func TestManager_SummariesReachTheIndex(t *testing.T) {
	index, err := chromem.New()
	require.NoError(t, err)
	m := newManager(t, func(c *memory.Config) {
		c.MaxAgeDays = 0
		c.RelevanceThreshold = 1
	}, memory.Collaborators{Embedder: hash.New(32), Index: index})
	ctx := context.Background()

	_, err = m.Put(ctx, memory.ScoredEntry{
		Topic:     "pricing",
		Content:   "annual plans convert better than monthly",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	st, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SummariesCreated)

	resp, err := m.Query(ctx, memory.QueryRequest{Agent: "planner", Topic: "pricing"})
	require.NoError(t, err)
	require.Len(t, resp.ContextSummaries, 1)
	assert.NotEmpty(t, resp.ContextSummaries[0].EmbeddingID)
	assert.Equal(t, 1, index.Count())
}

func TestManager_StartStop(t *testing.T) {
	t.Run("empty schedule", func(t *testing.T) {
		m := newManager(t, nil, memory.Collaborators{})
		require.NoError(t, m.Start(context.Background()))
		m.Stop()
	})

	t.Run("invalid schedule", func(t *testing.T) {
		m := newManager(t, func(c *memory.Config) { c.RefreshSchedule = "sometimes" }, memory.Collaborators{})
		assert.Error(t, m.Start(context.Background()))
	})

	t.Run("double start", func(t *testing.T) {
		m := newManager(t, func(c *memory.Config) { c.RefreshSchedule = "@every 1h" }, memory.Collaborators{})
		require.NoError(t, m.Start(context.Background()))
		assert.Error(t, m.Start(context.Background()))
	})
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, memory.DefaultConfig().Validate())

	tests := map[string]func(*memory.Config){
		"negative capacity":   func(c *memory.Config) { c.Capacity = -1 },
		"zero top_k":          func(c *memory.Config) { c.TopK = 0 },
		"threshold above one": func(c *memory.Config) { c.RelevanceThreshold = 1.5 },
		"negative ttl":        func(c *memory.Config) { c.MidTermTTL = -time.Hour },
		"min weight":          func(c *memory.Config) { c.MinWeight = -0.1 },
		"confidence floor":    func(c *memory.Config) { c.ConfidenceFloor = 2 },
		"negative push batch": func(c *memory.Config) { c.PushBatch = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := memory.DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, memory.ErrInvariantViolation))
		})
	}
}
