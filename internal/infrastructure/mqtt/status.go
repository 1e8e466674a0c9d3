package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Presence states.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Reasons given with an offline status.
const (
	// ReasonShutdown is published by Close.
	ReasonShutdown = "shutdown"
	// ReasonConnectionLost is the will, published by the broker when the
	// client vanishes without closing.
	ReasonConnectionLost = "connection_lost"
)

// Status is the retained presence message on a status topic. Device hosts
// also list the devices they export.
type Status struct {
	State     string    `json:"status"`
	ClientID  string    `json:"client_id,omitempty"`
	Host      string    `json:"host,omitempty"`
	Devices   []string  `json:"devices,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Online reports whether the status announces presence.
func (s Status) Online() bool { return s.State == StatusOnline }

// Encode returns the JSON form of s.
func (s Status) Encode() []byte {
	b, _ := json.Marshal(s) //nolint:errcheck // plain struct, cannot fail
	return b
}

// DecodeStatus parses a status payload.
func DecodeStatus(payload []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrInvalidStatus, err)
	}
	if s.State != StatusOnline && s.State != StatusOffline {
		return Status{}, fmt.Errorf("%w: state %q", ErrInvalidStatus, s.State)
	}
	return s, nil
}

func newStatus(state, clientID, reason string) Status {
	return Status{State: state, ClientID: clientID, Reason: reason, Timestamp: time.Now().UTC()}
}
