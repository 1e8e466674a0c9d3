package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Phase is the stage a session reached.
type Phase string

// Session phases, in order.
const (
	PhaseFlush    Phase = "flush"
	PhaseArm      Phase = "arm"
	PhaseTrigger  Phase = "trigger"
	PhaseComplete Phase = "complete"
	PhaseDone     Phase = "done"
)

// OutcomeStatus is the final disposition of one participant.
type OutcomeStatus string

// Outcome statuses.
const (
	// StatusCompleted: the acquisition ran to completion (Triggered → Idle).
	StatusCompleted OutcomeStatus = "completed"

	// StatusArmed: the participant armed but could not be aborted.
	StatusArmed OutcomeStatus = "armed"

	// StatusFailed: an operation on the participant returned an error.
	StatusFailed OutcomeStatus = "failed"

	// StatusLagging: the participant did not arm or complete in time.
	StatusLagging OutcomeStatus = "lagging"

	// StatusAborted: the participant was stopped because the session failed.
	StatusAborted OutcomeStatus = "aborted"
)

// Plan describes one coordinated acquisition.
type Plan struct {
	// Trigger is applied to every participant without an override.
	Trigger device.TriggerSpec `json:"trigger"`

	// Overrides gives individual participants their own trigger spec, keyed
	// by device id.
	Overrides map[string]device.TriggerSpec `json:"overrides,omitempty"`

	// ArmTimeout bounds the arm phase. Zero uses the coordinator default.
	ArmTimeout time.Duration `json:"arm_timeout"`

	// CompletionTimeout bounds the wait for completion. Zero uses the
	// coordinator default.
	CompletionTimeout time.Duration `json:"completion_timeout"`

	// Duration runs an open-ended session for this long, then stops every
	// participant and reports success.
	Duration time.Duration `json:"duration,omitempty"`

	// Flush writes dirty settings on every participant before arming.
	Flush bool `json:"flush,omitempty"`
}

// SpecFor returns the trigger spec for a participant.
func (p Plan) SpecFor(deviceID string) device.TriggerSpec {
	if spec, ok := p.Overrides[deviceID]; ok {
		return spec
	}
	return p.Trigger
}

// Outcome is the result for one participant.
type Outcome struct {
	Device     string             `json:"device"`
	Status     OutcomeStatus      `json:"status"`
	Trigger    device.TriggerSpec `json:"trigger"`
	ArmLatency time.Duration      `json:"arm_latency"`
	Error      string             `json:"error,omitempty"`

	err error
}

// Err returns the cause recorded for this participant.
func (o Outcome) Err() error { return o.err }

// Result is the record of a finished session.
type Result struct {
	ID         string    `json:"id"`
	Success    bool      `json:"success"`
	Phase      Phase     `json:"phase"`
	Plan       Plan      `json:"plan"`
	Outcomes   []Outcome `json:"outcomes"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Outcome returns the outcome for a participant.
func (r *Result) Outcome(deviceID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Device == deviceID {
			return o, true
		}
	}
	return Outcome{}, false
}

// Duration returns how long the session ran.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Active describes a running session.
type Active struct {
	ID        string    `json:"id"`
	Devices   []string  `json:"devices"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at"`
}

// NewID returns a new session identifier.
func NewID() string {
	return "ses-" + uuid.NewString()[:8]
}
