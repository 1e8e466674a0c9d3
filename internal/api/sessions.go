package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/session"
)

// defaultListLimit is the page size for list endpoints without ?limit.
const defaultListLimit = 50

// runSessionRequest is the body of POST /sessions. Durations are in
// milliseconds; zero uses the coordinator defaults.
type runSessionRequest struct {
	Devices             []string                      `json:"devices"`
	Trigger             device.TriggerSpec            `json:"trigger"`
	Overrides           map[string]device.TriggerSpec `json:"overrides,omitempty"`
	ArmTimeoutMS        int64                         `json:"arm_timeout_ms,omitempty"`
	CompletionTimeoutMS int64                         `json:"completion_timeout_ms,omitempty"`
	DurationMS          int64                         `json:"duration_ms,omitempty"`
	Flush               bool                          `json:"flush,omitempty"`
}

func (req runSessionRequest) plan() session.Plan {
	return session.Plan{
		Trigger:           req.Trigger,
		Overrides:         req.Overrides,
		ArmTimeout:        time.Duration(req.ArmTimeoutMS) * time.Millisecond,
		CompletionTimeout: time.Duration(req.CompletionTimeoutMS) * time.Millisecond,
		Duration:          time.Duration(req.DurationMS) * time.Millisecond,
		Flush:             req.Flush,
	}
}

// sessionFailure is the 502 body for a session that did not complete on
// every participant. It carries the full result.
type sessionFailure struct {
	Error
	Result *session.Result `json:"result"`
}

// handleRunSession runs a coordinated acquisition and blocks until it
// finishes. The response holds every participant's outcome.
func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	var req runSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Devices) == 0 {
		writeBadRequest(w, "devices are required")
		return
	}
	if req.ArmTimeoutMS < 0 || req.CompletionTimeoutMS < 0 || req.DurationMS < 0 {
		writeBadRequest(w, "durations must not be negative")
		return
	}

	claims := claimsFromContext(r.Context())
	s.logger.Info("session requested", "devices", req.Devices, "user", claims.Username)

	res, err := s.registry.RunSession(r.Context(), req.Devices, req.plan())
	if err != nil {
		var pf *session.PartialFailureError
		if errors.As(err, &pf) && res != nil {
			writeJSON(w, http.StatusBadGateway, sessionFailure{
				Error: Error{
					Status:  http.StatusBadGateway,
					Code:    ErrCodeSessionFail,
					Kind:    device.KindPartialSessionFailure,
					Message: err.Error(),
				},
				Result: res,
			})
			return
		}
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListSessions returns recent finished sessions, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session history not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	results, err := s.sessRepo.List(r.Context(), limit)
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": results, "count": len(results)})
}

// handleActiveSessions returns the sessions currently running.
func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	active := []session.Active{}
	if s.sessions != nil {
		active = s.sessions.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": active, "count": len(active)})
}

// handleGetSession returns one finished session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session history not configured")
		return
	}
	res, err := s.sessRepo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAbortSession stops a running session. Aborting a session that has
// just finished succeeds.
func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session coordinator not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.sessions.Abort(r.Context(), id); err != nil {
		s.writeDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "aborted": true})
}

// parseLimit reads ?limit, writing a 400 for a malformed value.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
