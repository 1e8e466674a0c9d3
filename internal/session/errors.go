package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Domain errors for the session package.
var (
	// ErrInvalidPlan is returned when a plan cannot be run as given.
	ErrInvalidPlan = errors.New("session: invalid plan")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session: not found")
)

// PartialFailureError reports a session that did not complete on every
// participant. It names every participant that did not complete.
type PartialFailureError struct {
	SessionID string
	Phase     Phase
	Devices   []string
	Causes    map[string]error
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: session %s failed in %s phase:", device.ErrPartialSessionFailure, e.SessionID, e.Phase)
	for i, id := range e.Devices {
		if i > 0 {
			b.WriteString(";")
		}
		fmt.Fprintf(&b, " %s", id)
		if cause := e.Causes[id]; cause != nil {
			fmt.Fprintf(&b, " (%v)", cause)
		}
	}
	return b.String()
}

// Is matches device.ErrPartialSessionFailure.
func (e *PartialFailureError) Is(target error) bool {
	return target == device.ErrPartialSessionFailure
}
