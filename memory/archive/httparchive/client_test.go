package httparchive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/aletheia/memory"
)

var _ memory.Archive = (*Client)(nil)

func TestClient_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, queryPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req memory.QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ai", req.Topic)
		assert.Equal(t, memory.DepthDetailed, req.Depth)

		_ = json.NewEncoder(w).Encode(memory.QueryResponse{
			Topic:   "ai",
			Summary: "archived",
			Metadata: memory.QueryMetadata{
				Confidence:  0.8,
				SourceCount: 3,
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithBearerToken("secret"))
	resp, err := c.Query(context.Background(), memory.QueryRequest{Topic: "ai", Depth: memory.DepthDetailed}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "archived", resp.Summary)
	assert.Equal(t, 0.8, resp.Metadata.Confidence)
	assert.Equal(t, 3, resp.Metadata.SourceCount)
}

func TestClient_Push(t *testing.T) {
	accepted := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, updatePath, r.URL.Path)
		var u memory.ContextUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&u))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(memory.Ack{UpdateID: u.ID, AcceptedAt: accepted})
	}))
	defer srv.Close()

	ack, err := New(srv.URL).Push(context.Background(), memory.ContextUpdate{ID: "u1", SessionID: "s", Agent: "a", SummaryText: "t"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u1", ack.UpdateID)
	assert.True(t, accepted.Equal(ack.AcceptedAt))
}

func TestClient_PushEmptyBodyAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ack, err := New(srv.URL).Push(context.Background(), memory.ContextUpdate{ID: "u1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u1", ack.UpdateID)
	assert.False(t, ack.AcceptedAt.IsZero())
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, memory.ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, memory.ErrUnavailable},
		{"rate limited", http.StatusTooManyRequests, memory.ErrUnavailable},
		{"bad request", http.StatusBadRequest, memory.ErrRejected},
		{"conflict", http.StatusConflict, memory.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"x","message":"nope"}`))
			}))
			defer srv.Close()

			_, err := New(srv.URL).Push(context.Background(), memory.ContextUpdate{ID: "u1"}, time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClient_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL).Query(context.Background(), memory.QueryRequest{Topic: "ai"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Push(context.Background(), memory.ContextUpdate{ID: "u1"}, time.Second)
	assert.ErrorIs(t, err, memory.ErrUnavailable)
}
