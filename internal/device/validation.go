package device

import (
	"fmt"
	"math"
	"slices"
)

// SettingDescriptor declares one setting: its type, the values it accepts
// and whether it may be written at all.
type SettingDescriptor struct {
	Name string    `json:"name"`
	Type ValueType `json:"type"`

	// Min and Max bound numeric settings. Nil means unbounded on that side.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Values is the allowed set for enum settings.
	Values []string `json:"values,omitempty"`

	ReadOnly bool `json:"read_only,omitempty"`

	// HotSwap settings may change while an acquisition is armed or running;
	// they are written through to the hardware immediately.
	HotSwap bool `json:"hot_swap,omitempty"`

	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// Range returns a pointer pair suitable for Min/Max.
func Range(lo, hi float64) (*float64, *float64) {
	return &lo, &hi
}

// Validate checks v against the descriptor without regard to ReadOnly.
func (d SettingDescriptor) Validate(v Value) error {
	if v.IsZero() {
		return fmt.Errorf("%w: %s: missing value", ErrInvalidSettingValue, d.Name)
	}
	if v.Type() != d.Type {
		return fmt.Errorf("%w: %s: want %s, got %s", ErrInvalidSettingValue, d.Name, d.Type, v.Type())
	}

	switch d.Type {
	case TypeInt, TypeFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s: %v is not finite", ErrInvalidSettingValue, d.Name, v)
		}
		if d.Min != nil && f < *d.Min {
			return fmt.Errorf("%w: %s: %v below minimum %g", ErrInvalidSettingValue, d.Name, v, *d.Min)
		}
		if d.Max != nil && f > *d.Max {
			return fmt.Errorf("%w: %s: %v above maximum %g", ErrInvalidSettingValue, d.Name, v, *d.Max)
		}
	case TypeEnum:
		if !slices.Contains(d.Values, v.AsEnum()) {
			return fmt.Errorf("%w: %s: %q not in %v", ErrInvalidSettingValue, d.Name, v.AsEnum(), d.Values)
		}
	}
	return nil
}

// ValidateWrite checks that v may be written: the setting must be writable
// and the value acceptable.
func (d SettingDescriptor) ValidateWrite(v Value) error {
	if d.ReadOnly {
		return fmt.Errorf("%w: %s is read-only", ErrUnsupportedOperation, d.Name)
	}
	return d.Validate(v)
}

// validateDescriptor rejects descriptors a driver should never report.
func validateDescriptor(d Descriptor) error {
	seen := make(map[string]struct{}, len(d.Settings))
	for _, s := range d.Settings {
		if s.Name == "" {
			return fmt.Errorf("setting with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate setting %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if !s.Type.Valid() {
			return fmt.Errorf("setting %q: unknown type %q", s.Name, s.Type)
		}
		if s.Type == TypeEnum && len(s.Values) == 0 {
			return fmt.Errorf("setting %q: enum without values", s.Name)
		}
		if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
			return fmt.Errorf("setting %q: min %g above max %g", s.Name, *s.Min, *s.Max)
		}
	}
	for _, m := range d.Triggers.Modes {
		if _, err := (TriggerSpec{Mode: m}).Normalize(); err != nil {
			return err
		}
	}
	return nil
}
