package registry

import (
	"errors"
	"testing"

	"github.com/nerrad567/microscope-core/internal/device"
)

func TestParseDependency(t *testing.T) {
	tests := []struct {
		expr    string
		want    Dependency
		wantErr bool
	}{
		{
			expr: "camera.exposure <= light.pulse_width",
			want: Dependency{Left: Ref{"camera", "exposure"}, Op: OpLessEqual, Right: Ref{"light", "pulse_width"}},
		},
		{
			expr: "stand.led.power<stand.led.limit",
			want: Dependency{Left: Ref{"stand.led", "power"}, Op: OpLess, Right: Ref{"stand.led", "limit"}},
		},
		{
			expr: "wheel.filter != camera.readout_mode",
			want: Dependency{Left: Ref{"wheel", "filter"}, Op: OpNotEqual, Right: Ref{"camera", "readout_mode"}},
		},
		{
			expr: "a.x >= b.y",
			want: Dependency{Left: Ref{"a", "x"}, Op: OpGreaterEqual, Right: Ref{"b", "y"}},
		},
		{
			expr: "a.x == b.y",
			want: Dependency{Left: Ref{"a", "x"}, Op: OpEqual, Right: Ref{"b", "y"}},
		},
		{expr: "a.x ~ b.y", wantErr: true},
		{expr: "exposure <= light.pulse_width", wantErr: true},
		{expr: "camera. <= light.pulse_width", wantErr: true},
		{expr: "a.x <= a.x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseDependency(tt.expr)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDependency) {
					t.Errorf("ParseDependency() error = %v, want ErrInvalidDependency", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDependency() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseDependency() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDependencyHolds(t *testing.T) {
	dep := func(op Operator) Dependency {
		return Dependency{Left: Ref{"a", "x"}, Op: op, Right: Ref{"b", "y"}}
	}

	tests := []struct {
		name        string
		op          Operator
		left, right device.Value
		want        bool
		wantErr     bool
	}{
		{"float le", OpLessEqual, device.Float(0.01), device.Float(0.01), true, false},
		{"float lt", OpLess, device.Float(0.01), device.Float(0.01), false, false},
		{"int vs float", OpGreater, device.Int(2), device.Float(1.5), true, false},
		{"ge", OpGreaterEqual, device.Int(1), device.Int(2), false, false},
		{"numeric eq", OpEqual, device.Int(3), device.Float(3), true, false},
		{"enum eq", OpEqual, device.Enum("2x2"), device.Enum("2x2"), true, false},
		{"enum ne", OpNotEqual, device.Enum("2x2"), device.Enum("1x1"), true, false},
		{"bool eq", OpEqual, device.Bool(true), device.Bool(false), false, false},
		{"enum ordering", OpLess, device.Enum("a"), device.Enum("b"), false, true},
		{"mixed types", OpEqual, device.Bool(true), device.Enum("true"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dep(tt.op).Holds(tt.left, tt.right)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Holds() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Holds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDependencyTouches(t *testing.T) {
	d, _ := ParseDependency("camera.exposure <= light.pulse_width")
	if !d.Touches(Ref{"camera", "exposure"}) || !d.Touches(Ref{"light", "pulse_width"}) {
		t.Error("Touches() = false for a side of the dependency")
	}
	if d.Touches(Ref{"camera", "gain"}) {
		t.Error("Touches(camera.gain) = true")
	}
	if d.String() != "camera.exposure <= light.pulse_width" {
		t.Errorf("String() = %q", d.String())
	}
}
