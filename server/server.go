// Package server exposes a memory.Manager over HTTP: entry writes, queries,
// update submission (one-shot or streamed over a websocket) and refresh
// control.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/becomeliminal/aletheia/memory"
)

const (
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 4 << 20
)

// Backend is the memory surface the HTTP API serves. *memory.Manager
// implements it.
type Backend interface {
	Put(ctx context.Context, entry memory.ScoredEntry) (memory.ScoredEntry, error)
	Enqueue(ctx context.Context, update memory.ContextUpdate) (memory.ContextUpdate, error)
	Query(ctx context.Context, req memory.QueryRequest) (*memory.QueryResponse, error)
	Refresh(ctx context.Context) (memory.RefreshStatus, error)
	History(limit int) []memory.RefreshStatus
	Latest() (memory.RefreshStatus, bool)
	Stats(ctx context.Context) (memory.Stats, error)
}

// Server holds the HTTP API's dependencies.
type Server struct {
	backend Backend
	router  *chi.Mux
	stream  *updateStream
}

// Option configures the Server.
type Option func(*Server)

// WithAllowedOrigins restricts which browser origins may open the update
// stream. By default only same-origin and non-browser clients are accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.stream.allowOrigins(origins) }
}

// New builds a Server over backend.
func New(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		router:  chi.NewRouter(),
		stream:  newUpdateStream(backend),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. Refresh and the update stream
// are registered outside the request timeout: a refresh is bounded by its
// own run timeout and a stream lives as long as the client keeps it open.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing)

	r.Post("/v1/refresh", s.handleRefresh)
	r.Get("/v1/updates/stream", s.stream.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/context/entries", s.handlePutEntry)
		r.Post("/v1/context/query", s.handleQuery)
		r.Post("/v1/context/updates", s.handleEnqueue)

		r.Get("/v1/refresh/history", s.handleHistory)
		r.Get("/v1/refresh/latest", s.handleLatest)
		r.Get("/v1/stats", s.handleStats)
	})
	return r
}

// Close ends open update streams. http.Server.Shutdown does not reach
// hijacked connections, so call Close alongside it.
func (s *Server) Close() {
	s.stream.closeAll()
}
