package device

import (
	"fmt"
	"slices"
	"time"
)

// State is a device lifecycle state.
type State string

// Lifecycle states.
const (
	StateUninitialized State = "uninitialized"
	StateIdle          State = "idle"
	StateConfiguring   State = "configuring"
	StateArmed         State = "armed"
	StateTriggered     State = "triggered"
	StateFaulted       State = "faulted"
	StateShuttingDown  State = "shutting_down"
)

// Frozen reports whether configuration is frozen in this state.
func (s State) Frozen() bool {
	return s == StateArmed || s == StateTriggered
}

// Class is the broad category a device belongs to.
type Class string

// Device classes.
const (
	ClassCamera           Class = "camera"
	ClassStage            Class = "stage"
	ClassLightSource      Class = "light_source"
	ClassFilterWheel      Class = "filter_wheel"
	ClassDeformableMirror Class = "deformable_mirror"
	ClassController       Class = "controller"
	ClassGeneric          Class = "generic"
)

// TriggerMode selects where trigger events come from.
type TriggerMode string

// Trigger modes.
const (
	TriggerSoftware        TriggerMode = "software"
	TriggerHardwareRising  TriggerMode = "hardware_rising"
	TriggerHardwareFalling TriggerMode = "hardware_falling"
)

// Hardware reports whether events arrive on an external line.
func (m TriggerMode) Hardware() bool {
	return m == TriggerHardwareRising || m == TriggerHardwareFalling
}

// TriggerType selects how many events one arming covers.
type TriggerType string

// Trigger types.
const (
	TriggerOnce       TriggerType = "once"
	TriggerPerFrame   TriggerType = "per_frame"
	TriggerContinuous TriggerType = "continuous"
)

// TriggerSpec is the trigger configuration a device is armed with.
type TriggerSpec struct {
	Mode TriggerMode `json:"mode" yaml:"mode"`
	Type TriggerType `json:"type" yaml:"type"`

	// Count is the number of trigger events expected. Once always means one;
	// continuous with zero runs until aborted.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
}

// Normalize fills defaults and rejects malformed specs.
func (t TriggerSpec) Normalize() (TriggerSpec, error) {
	if t.Mode == "" {
		t.Mode = TriggerSoftware
	}
	if t.Type == "" {
		t.Type = TriggerOnce
	}
	if t.Count < 0 {
		return t, fmt.Errorf("%w: negative trigger count %d", ErrUnsupportedOperation, t.Count)
	}
	switch t.Type {
	case TriggerOnce:
		t.Count = 1
	case TriggerPerFrame:
		if t.Count == 0 {
			return t, fmt.Errorf("%w: per_frame trigger needs a frame count", ErrUnsupportedOperation)
		}
	case TriggerContinuous:
	default:
		return t, fmt.Errorf("%w: unknown trigger type %q", ErrUnsupportedOperation, t.Type)
	}
	switch t.Mode {
	case TriggerSoftware, TriggerHardwareRising, TriggerHardwareFalling:
	default:
		return t, fmt.Errorf("%w: unknown trigger mode %q", ErrUnsupportedOperation, t.Mode)
	}
	return t, nil
}

// Unbounded reports whether the spec runs until aborted.
func (t TriggerSpec) Unbounded() bool {
	return t.Type == TriggerContinuous && t.Count == 0
}

func (t TriggerSpec) String() string {
	return fmt.Sprintf("%s/%s/%d", t.Mode, t.Type, t.Count)
}

// TriggerCapabilities lists the trigger modes and types a device supports.
// Any listed mode may be combined with any listed type.
type TriggerCapabilities struct {
	Modes []TriggerMode `json:"modes"`
	Types []TriggerType `json:"types"`
}

// Descriptor is the static capability declaration a driver reports when it
// is opened.
type Descriptor struct {
	Class    Class               `json:"class"`
	Vendor   string              `json:"vendor,omitempty"`
	Model    string              `json:"model,omitempty"`
	Settings []SettingDescriptor `json:"settings"`
	Triggers TriggerCapabilities `json:"triggers"`
}

// Setting returns the descriptor for name.
func (d Descriptor) Setting(name string) (SettingDescriptor, bool) {
	for _, s := range d.Settings {
		if s.Name == name {
			return s, true
		}
	}
	return SettingDescriptor{}, false
}

// Supports checks spec against the advertised trigger capabilities.
func (d Descriptor) Supports(spec TriggerSpec) error {
	if !slices.Contains(d.Triggers.Modes, spec.Mode) {
		return fmt.Errorf("%w: trigger mode %q not supported by %s", ErrUnsupportedOperation, spec.Mode, d.Class)
	}
	if !slices.Contains(d.Triggers.Types, spec.Type) {
		return fmt.Errorf("%w: trigger type %q not supported by %s", ErrUnsupportedOperation, spec.Type, d.Class)
	}
	return nil
}

// Status is a point-in-time snapshot of a device.
type Status struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Class     Class          `json:"class,omitempty"`
	Dirty     []string       `json:"dirty,omitempty"`
	Trigger   *TriggerSpec   `json:"trigger,omitempty"`
	Frames    int            `json:"frames"`
	LastError string         `json:"last_error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Transition records one lifecycle state change.
type Transition struct {
	Device string    `json:"device"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
