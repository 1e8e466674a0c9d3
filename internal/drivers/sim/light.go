package sim

import (
	"context"
	"math"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

// LightSource is a simulated laser or LED.
type LightSource struct {
	*core

	// levels quantises power to this many steps; 0 keeps it continuous.
	levels int
}

// NewLightSource builds a simulated light source. Parameters: wavelength
// (nm), power_levels, pulse_interval and faults.
func NewLightSource(p drivers.Params) (*LightSource, error) {
	wavelength, err := p.Int("wavelength", 488)
	if err != nil {
		return nil, err
	}
	levels, err := p.Int("power_levels", 0)
	if err != nil {
		return nil, err
	}
	return newLightSource(p, "SimLight", int64(wavelength), levels)
}

func newLightSource(p drivers.Params, model string, wavelength int64, levels int) (*LightSource, error) {
	powMin, powMax := device.Range(0, 1)
	pulseMin, pulseMax := device.Range(0.0001, 10)
	desc := device.Descriptor{
		Class:  device.ClassLightSource,
		Vendor: "simulated",
		Model:  model,
		Settings: []device.SettingDescriptor{
			{Name: "power", Type: device.TypeFloat, Min: powMin, Max: powMax, HotSwap: true, Description: "Fraction of maximum output"},
			{Name: "enabled", Type: device.TypeBool},
			{Name: "pulse_width", Type: device.TypeFloat, Min: pulseMin, Max: pulseMax, Unit: "s"},
			{Name: "wavelength", Type: device.TypeInt, ReadOnly: true, Unit: "nm"},
		},
		Triggers: device.TriggerCapabilities{
			Modes: []device.TriggerMode{device.TriggerSoftware, device.TriggerHardwareRising},
			Types: []device.TriggerType{device.TriggerOnce, device.TriggerPerFrame, device.TriggerContinuous},
		},
	}
	values := map[string]device.Value{
		"power":       device.Float(0),
		"enabled":     device.Bool(false),
		"pulse_width": device.Float(0.01),
		"wavelength":  device.Int(wavelength),
	}
	c, err := newCore(desc, values, p)
	if err != nil {
		return nil, err
	}
	return &LightSource{core: c, levels: levels}, nil
}

// Write quantises power when the hardware only supports discrete levels.
func (l *LightSource) Write(ctx context.Context, name string, v device.Value) error {
	if name == "power" && l.levels > 0 {
		steps := float64(l.levels)
		v = device.Float(math.Floor(v.AsFloat()*steps) / steps)
	}
	return l.core.Write(ctx, name, v)
}
