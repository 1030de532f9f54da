package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/becomeliminal/aletheia/memory"
	"github.com/becomeliminal/aletheia/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// errorStatus maps memory errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, memory.ErrInvariantViolation), errors.Is(err, memory.ErrDimensionMismatch):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, memory.ErrRefreshInProgress):
		return http.StatusConflict, "refresh_in_progress"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeMemoryError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= 500 {
		log.Error().
			Func(telemetry.LogTraceFields(r.Context())).
			Err(err).
			Str("path", r.URL.Path).
			Msg("request_failed")
	}
	writeError(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handlePutEntry(w http.ResponseWriter, r *http.Request) {
	var entry memory.ScoredEntry
	if !decode(w, r, &entry) {
		return
	}
	stored, err := s.backend.Put(r.Context(), entry)
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req memory.QueryRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.backend.Query(r.Context(), req)
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var update memory.ContextUpdate
	if !decode(w, r, &update) {
		return
	}
	queued, err := s.backend.Enqueue(r.Context(), update)
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, memory.Ack{UpdateID: queued.ID, AcceptedAt: queued.Timestamp})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Refresh(r.Context())
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.backend.History(limit)})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	status, ok := s.backend.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no refresh has run yet")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
