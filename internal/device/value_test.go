package device

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCoerce(t *testing.T) {
	exposure := exposureDescriptor()
	count := SettingDescriptor{Name: "count", Type: TypeInt}
	enabled := SettingDescriptor{Name: "enabled", Type: TypeBool}
	mode := SettingDescriptor{Name: "mode", Type: TypeEnum, Values: []string{"fast", "slow"}}

	tests := []struct {
		name    string
		desc    SettingDescriptor
		raw     any
		want    Value
		wantErr bool
	}{
		{name: "float from float64", desc: exposure, raw: 0.5, want: Float(0.5)},
		{name: "float from int", desc: exposure, raw: 2, want: Float(2)},
		{name: "float from string", desc: exposure, raw: "0.25", want: Float(0.25)},
		{name: "float from int Value", desc: exposure, raw: Int(3), want: Float(3)},
		{name: "int from integral float64", desc: count, raw: 4.0, want: Int(4)},
		{name: "int from fractional float64", desc: count, raw: 4.5, wantErr: true},
		{name: "int from json number", desc: count, raw: json.Number("12"), want: Int(12)},
		{name: "bool from string", desc: enabled, raw: "true", want: Bool(true)},
		{name: "bool from number", desc: enabled, raw: 1, wantErr: true},
		{name: "enum from string", desc: mode, raw: "fast", want: Enum("fast")},
		{name: "float from bool", desc: exposure, raw: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.desc, tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSettingValue) {
					t.Errorf("Coerce() error = %v, want ErrInvalidSettingValue", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Coerce() = %v (%s), want %v (%s)", got, got.Type(), tt.want, tt.want.Type())
			}
		})
	}
}

func TestValueJSON(t *testing.T) {
	in := map[string]Value{
		"exposure": Float(0.1),
		"count":    Int(7),
		"enabled":  Bool(true),
		"binning":  Enum("2x2"),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var out map[string]Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for name, want := range in {
		if got := out[name]; !got.Equal(want) {
			t.Errorf("%s = %v (%s), want %v (%s)", name, got, got.Type(), want, want.Type())
		}
	}
}

func TestValueUnmarshalRejectsUnknownType(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"type":"complex","value":1}`), &v); err == nil {
		t.Error("Unmarshal() error = nil, want error for unknown type")
	}
	if err := json.Unmarshal([]byte(`null`), &v); err != nil || !v.IsZero() {
		t.Errorf("Unmarshal(null) = %v, zero = %v", err, v.IsZero())
	}
}
