package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleDeviceHistory returns recent lifecycle transitions for a device,
// newest first.
//
// Query parameters:
//   - limit: maximum entries to return (default 50, max 200)
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "transition history not configured")
		return
	}

	name := chi.URLParam(r, "name")
	if _, err := s.registry.Lookup(name); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	transitions, err := s.history.List(r.Context(), name, limit)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":      name,
		"transitions": transitions,
		"count":       len(transitions),
	})
}
