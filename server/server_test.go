package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/aletheia/memory"
	"github.com/becomeliminal/aletheia/memory/embedder/hash"
)

func newManager(t *testing.T) *memory.Manager {
	t.Helper()
	cfg := memory.DefaultConfig()
	cfg.Dimensions = 64
	m, err := memory.NewManager(cfg, nil, memory.Collaborators{Embedder: hash.New(64)})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestPutEntryThenQuery(t *testing.T) {
	h := New(newManager(t)).Routes()

	rec := do(t, h, http.MethodPost, "/v1/context/entries", memory.ScoredEntry{
		Topic:   "billing",
		Content: "invoices are issued on the first business day",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored := decodeBody[memory.ScoredEntry](t, rec)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, memory.TierShortTerm, stored.Tier)
	assert.Len(t, stored.Embedding, 64)

	rec = do(t, h, http.MethodPost, "/v1/context/query", memory.QueryRequest{
		Agent:     "planner",
		Topic:     "billing",
		Depth:     memory.DepthDetailed,
		Embedding: stored.Embedding,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[memory.QueryResponse](t, rec)
	assert.Equal(t, "billing", resp.Topic)
	assert.Contains(t, resp.Summary, "invoices")
	require.Len(t, resp.Details, 1)
	assert.InDelta(t, 0.7+0.3*0.1, resp.Metadata.Confidence, 1e-6)
	assert.False(t, resp.Metadata.MnemosyneAvailable)
}

func TestPutEntryInvalid(t *testing.T) {
	h := New(newManager(t)).Routes()

	rec := do(t, h, http.MethodPost, "/v1/context/entries", memory.ScoredEntry{Content: "no topic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "invalid_request", body["error"])
	assert.Contains(t, body["message"], "no topic")
}

func TestMalformedJSON(t *testing.T) {
	h := New(newManager(t)).Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/context/query", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestQueryWithoutTopic(t *testing.T) {
	h := New(newManager(t)).Routes()

	rec := do(t, h, http.MethodPost, "/v1/context/query", memory.QueryRequest{Agent: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueUpdate(t *testing.T) {
	m := newManager(t)
	h := New(m).Routes()

	rec := do(t, h, http.MethodPost, "/v1/context/updates", memory.ContextUpdate{
		SessionID:     "5f0c7a52-3f7e-4a52-9d8e-2f1f6b0c9a11",
		Agent:         "researcher",
		SummaryText:   "settled on weekly digests",
		AcceptedIdeas: []string{"weekly digest"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ack := decodeBody[memory.Ack](t, rec)
	assert.NotEmpty(t, ack.UpdateID)
	assert.False(t, ack.AcceptedAt.IsZero())

	rec = do(t, h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[memory.Stats](t, rec)
	assert.Equal(t, 1, stats.UpdatesPending)
	assert.Equal(t, 0, stats.CacheEntries, "update without topic stays out of the cache")
}

func TestEnqueueUpdateInvalid(t *testing.T) {
	h := New(newManager(t)).Routes()

	rec := do(t, h, http.MethodPost, "/v1/context/updates", memory.ContextUpdate{Agent: "a", SummaryText: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_id")
}

func TestRefreshAndHistory(t *testing.T) {
	h := New(newManager(t)).Routes()

	rec := do(t, h, http.MethodGet, "/v1/refresh/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decodeBody[memory.RefreshStatus](t, rec)
	assert.Equal(t, memory.RefreshCompleted, status.State)
	assert.True(t, status.Success)
	assert.False(t, status.MnemosyneAvailable, "no archive configured")

	rec = do(t, h, http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/refresh/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[struct {
		Runs []memory.RefreshStatus `json:"runs"`
	}](t, rec)
	require.Len(t, hist.Runs, 1)

	rec = do(t, h, http.MethodGet, "/v1/refresh/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decodeBody[memory.RefreshStatus](t, rec)
	assert.Equal(t, hist.Runs[0].ID, latest.ID)
	assert.NotEqual(t, status.ID, latest.ID)
}

func TestHistoryBadLimit(t *testing.T) {
	h := New(newManager(t)).Routes()

	rec := do(t, h, http.MethodGet, "/v1/refresh/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type busyBackend struct {
	*memory.Manager
}

func (busyBackend) Refresh(context.Context) (memory.RefreshStatus, error) {
	return memory.RefreshStatus{}, memory.ErrRefreshInProgress
}

func TestRefreshConflict(t *testing.T) {
	h := New(busyBackend{newManager(t)}).Routes()

	rec := do(t, h, http.MethodPost, "/v1/refresh", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "refresh_in_progress", body["error"])
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{memory.ErrInvariantViolation, http.StatusBadRequest},
		{memory.ErrDimensionMismatch, http.StatusBadRequest},
		{memory.ErrNotFound, http.StatusNotFound},
		{memory.ErrRefreshInProgress, http.StatusConflict},
		{memory.ErrUnavailable, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, _ := errorStatus(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpdateStream(t *testing.T) {
	m := newManager(t)
	srv := New(m)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/updates/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(memory.ContextUpdate{
		SessionID:   "5f0c7a52-3f7e-4a52-9d8e-2f1f6b0c9a11",
		Agent:       "writer",
		Topic:       "roadmap",
		SummaryText: "ship the importer before the exporter",
	}))
	var ack streamAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.NotEmpty(t, ack.UpdateID)
	assert.Empty(t, ack.Error)

	require.NoError(t, conn.WriteJSON(memory.ContextUpdate{Agent: "writer"}))
	ack = streamAck{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Empty(t, ack.UpdateID)
	assert.Equal(t, "invalid_request", ack.Error)

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UpdatesPending)
	assert.Equal(t, 1, stats.CacheEntries, "topic-tagged update is cached")
}

func TestUpdateStreamRejectsForeignOrigin(t *testing.T) {
	srv := New(newManager(t), WithAllowedOrigins("https://console.example"))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/updates/stream"
	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
