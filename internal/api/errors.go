package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/registry"
	"github.com/nerrad567/microscope-core/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int         `json:"status"`
	Code    string      `json:"code"`
	Kind    device.Kind `json:"kind,omitempty"`
	Message string      `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnsupported  = "unsupported"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeSessionFail  = "session_failed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// statusFor maps a device, registry or session error onto an HTTP status
// and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, registry.ErrDeviceUnavailable), errors.Is(err, registry.ErrNoCoordinator):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.Is(err, registry.ErrDuplicateDevice):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, registry.ErrInvalidDependency), errors.Is(err, session.ErrInvalidPlan):
		return http.StatusBadRequest, ErrCodeValidation
	}

	switch device.KindOf(err) {
	case device.KindInvalidSettingValue:
		return http.StatusBadRequest, ErrCodeValidation
	case device.KindUnsupportedOperation:
		return http.StatusUnprocessableEntity, ErrCodeUnsupported
	case device.KindDeviceBusy, device.KindDependencyViolation, device.KindSettingsNotApplied,
		device.KindInvalidState, device.KindNotInitialized, device.KindDeviceFaulted:
		return http.StatusConflict, ErrCodeConflict
	case device.KindRemoteUnavailable:
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case device.KindPartialSessionFailure:
		return http.StatusBadGateway, ErrCodeSessionFail
	case device.KindDeviceInitError, device.KindHardwareFault:
		return http.StatusBadGateway, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDeviceError writes err with the status its class maps to. Internal
// errors are logged and reported without detail.
func (s *Server) writeDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	kind := device.KindOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", requestID(r.Context()),
		)
		writeInternalError(w, "internal server error")
		return
	}
	if kind == device.KindInternal {
		kind = ""
	}
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Kind:    kind,
		Message: err.Error(),
	})
}
