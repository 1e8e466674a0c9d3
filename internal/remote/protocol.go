package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Op names a forwarded Device operation.
type Op string

// Forwarded operations.
const (
	OpInitialize        Op = "initialize"
	OpShutdown          Op = "shutdown"
	OpDescribe          Op = "describe"
	OpEnumerateSettings Op = "enumerate_settings"
	OpGetSetting        Op = "get_setting"
	OpSetSetting        Op = "set_setting"
	OpSetSettings       Op = "set_settings"
	OpFlush             Op = "flush"
	OpPrepareTrigger    Op = "prepare_trigger"
	OpTrigger           Op = "trigger"
	OpWait              Op = "wait"
	OpAbort             Op = "abort"
	OpStatus            Op = "status"
)

// Request is one forwarded operation. ID is reused across transport
// retries so the exporter can replay instead of re-executing.
type Request struct {
	ID      string `json:"id"`
	Host    string `json:"host"`
	Device  string `json:"device"`
	Op      Op     `json:"op"`
	ReplyTo string `json:"reply_to,omitempty"`

	Setting string                  `json:"setting,omitempty"`
	Value   *device.Value           `json:"value,omitempty"`
	Values  map[string]device.Value `json:"values,omitempty"`
	Trigger *device.TriggerSpec     `json:"trigger,omitempty"`

	// Deadline bounds the operation on the exporter side. Zero means the
	// exporter's own limit applies.
	Deadline time.Time `json:"deadline,omitzero"`
	SentAt   time.Time `json:"sent_at"`
}

// Response answers a Request. State is the device state after the
// operation, reported on success and on device errors alike.
type Response struct {
	RequestID string       `json:"request_id"`
	Device    string       `json:"device"`
	State     device.State `json:"state,omitempty"`

	Value      *device.Value              `json:"value,omitempty"`
	Descriptor *device.Descriptor         `json:"descriptor,omitempty"`
	Settings   []device.SettingDescriptor `json:"settings,omitempty"`
	Status     *device.Status             `json:"status,omitempty"`

	Error *WireError `json:"error,omitempty"`
}

// WireError carries a classified device error across the link.
type WireError struct {
	Kind    device.Kind `json:"kind"`
	Message string      `json:"message"`
}

// EncodeError classifies err for the wire. It returns nil for a nil error.
func EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Kind: device.KindOf(err), Message: err.Error()}
}

// Err rebuilds the error on the calling side. The result matches the same
// device sentinel as the original with errors.Is and keeps its message.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	return &Error{Kind: w.Kind, Message: w.Message}
}

// Error is a device error reported by the far side of a link.
type Error struct {
	Kind    device.Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %s", e.Kind)
	}
	return e.Message
}

// Unwrap returns the device sentinel for the error kind, or nil for
// internal errors.
func (e *Error) Unwrap() error {
	return e.Kind.Err()
}

// ErrMalformed is returned for payloads that do not decode.
var ErrMalformed = errors.New("remote: malformed message")

// DecodeRequest parses a request payload.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if req.Device == "" || req.Op == "" {
		return Request{}, fmt.Errorf("%w: request without device or op", ErrMalformed)
	}
	return req, nil
}

// DecodeResponse parses a response payload.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return resp, nil
}
