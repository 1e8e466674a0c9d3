package device

import (
	"errors"
	"math"
	"testing"
)

func exposureDescriptor() SettingDescriptor {
	lo, hi := Range(0.001, 10)
	return SettingDescriptor{Name: "exposure", Type: TypeFloat, Min: lo, Max: hi, Unit: "s"}
}

func TestSettingDescriptorValidate(t *testing.T) {
	exposure := exposureDescriptor()
	binning := SettingDescriptor{Name: "binning", Type: TypeEnum, Values: []string{"1x1", "2x2"}}
	lo, hi := Range(0, 5)
	position := SettingDescriptor{Name: "position", Type: TypeInt, Min: lo, Max: hi}

	tests := []struct {
		name    string
		desc    SettingDescriptor
		value   Value
		wantErr error
	}{
		{name: "float in range", desc: exposure, value: Float(0.05)},
		{name: "float at minimum", desc: exposure, value: Float(0.001)},
		{name: "float at maximum", desc: exposure, value: Float(10)},
		{name: "float below minimum", desc: exposure, value: Float(0.0001), wantErr: ErrInvalidSettingValue},
		{name: "float above maximum", desc: exposure, value: Float(11), wantErr: ErrInvalidSettingValue},
		{name: "NaN", desc: exposure, value: Float(math.NaN()), wantErr: ErrInvalidSettingValue},
		{name: "wrong type", desc: exposure, value: Bool(true), wantErr: ErrInvalidSettingValue},
		{name: "zero value", desc: exposure, value: Value{}, wantErr: ErrInvalidSettingValue},
		{name: "enum allowed", desc: binning, value: Enum("2x2")},
		{name: "enum not allowed", desc: binning, value: Enum("3x3"), wantErr: ErrInvalidSettingValue},
		{name: "int in range", desc: position, value: Int(3)},
		{name: "int out of range", desc: position, value: Int(6), wantErr: ErrInvalidSettingValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate(tt.value)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate(%v) = %v, want nil", tt.value, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(%v) = %v, want %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestSettingDescriptorValidateWriteReadOnly(t *testing.T) {
	d := SettingDescriptor{Name: "temperature", Type: TypeFloat, ReadOnly: true}
	if err := d.ValidateWrite(Float(20)); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("ValidateWrite() = %v, want ErrUnsupportedOperation", err)
	}
	if err := d.Validate(Float(20)); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateDescriptor(t *testing.T) {
	lo, hi := Range(5, 1)
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{
			name: "valid",
			desc: Descriptor{
				Class:    ClassCamera,
				Settings: []SettingDescriptor{exposureDescriptor()},
				Triggers: TriggerCapabilities{Modes: []TriggerMode{TriggerSoftware}, Types: []TriggerType{TriggerOnce}},
			},
		},
		{
			name:    "duplicate setting",
			desc:    Descriptor{Settings: []SettingDescriptor{exposureDescriptor(), exposureDescriptor()}},
			wantErr: true,
		},
		{
			name:    "empty name",
			desc:    Descriptor{Settings: []SettingDescriptor{{Type: TypeBool}}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			desc:    Descriptor{Settings: []SettingDescriptor{{Name: "x", Type: "complex"}}},
			wantErr: true,
		},
		{
			name:    "enum without values",
			desc:    Descriptor{Settings: []SettingDescriptor{{Name: "x", Type: TypeEnum}}},
			wantErr: true,
		},
		{
			name:    "inverted range",
			desc:    Descriptor{Settings: []SettingDescriptor{{Name: "x", Type: TypeFloat, Min: lo, Max: hi}}},
			wantErr: true,
		},
		{
			name:    "unknown trigger mode",
			desc:    Descriptor{Triggers: TriggerCapabilities{Modes: []TriggerMode{"telepathic"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDescriptor(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDescriptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTriggerSpecNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      TriggerSpec
		want    TriggerSpec
		wantErr bool
	}{
		{name: "defaults", in: TriggerSpec{}, want: TriggerSpec{Mode: TriggerSoftware, Type: TriggerOnce, Count: 1}},
		{name: "once ignores count", in: TriggerSpec{Type: TriggerOnce, Count: 7}, want: TriggerSpec{Mode: TriggerSoftware, Type: TriggerOnce, Count: 1}},
		{name: "per frame", in: TriggerSpec{Mode: TriggerHardwareRising, Type: TriggerPerFrame, Count: 3}, want: TriggerSpec{Mode: TriggerHardwareRising, Type: TriggerPerFrame, Count: 3}},
		{name: "per frame without count", in: TriggerSpec{Type: TriggerPerFrame}, wantErr: true},
		{name: "negative count", in: TriggerSpec{Type: TriggerContinuous, Count: -1}, wantErr: true},
		{name: "unknown type", in: TriggerSpec{Type: "sometimes"}, wantErr: true},
		{name: "unknown mode", in: TriggerSpec{Mode: "psychic"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedOperation) {
					t.Errorf("Normalize() error = %v, want ErrUnsupportedOperation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDescriptorSupports(t *testing.T) {
	d := Descriptor{
		Class: ClassCamera,
		Triggers: TriggerCapabilities{
			Modes: []TriggerMode{TriggerSoftware},
			Types: []TriggerType{TriggerOnce, TriggerPerFrame},
		},
	}
	if err := d.Supports(TriggerSpec{Mode: TriggerSoftware, Type: TriggerPerFrame, Count: 2}); err != nil {
		t.Errorf("Supports(software/per_frame) = %v, want nil", err)
	}
	if err := d.Supports(TriggerSpec{Mode: TriggerHardwareRising, Type: TriggerOnce}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("Supports(hardware) = %v, want ErrUnsupportedOperation", err)
	}
	if err := d.Supports(TriggerSpec{Mode: TriggerSoftware, Type: TriggerContinuous}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("Supports(continuous) = %v, want ErrUnsupportedOperation", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "busy", err: ErrDeviceBusy, want: KindDeviceBusy},
		{name: "init wraps hardware fault", err: errors.Join(ErrDeviceInitError, ErrHardwareFault), want: KindDeviceInitError},
		{name: "unknown", err: errors.New("boom"), want: KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}

	if KindSettingsNotApplied.Err() != ErrSettingsNotApplied {
		t.Error("KindSettingsNotApplied.Err() did not return its sentinel")
	}
	if KindInternal.Err() != nil {
		t.Error("KindInternal.Err() should be nil")
	}
}
