package sim

import (
	"context"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

// Camera is a simulated scientific camera.
type Camera struct {
	*core
	sensorTemp float64
}

// NewCamera builds a simulated camera. Parameters: model, sensor_temperature,
// pulse_interval and faults.
func NewCamera(p drivers.Params) (*Camera, error) {
	model, err := p.String("model", "SimCam 2048")
	if err != nil {
		return nil, err
	}
	temp, err := p.Float("sensor_temperature", -20)
	if err != nil {
		return nil, err
	}

	expMin, expMax := device.Range(0.001, 10)
	gainMin, gainMax := device.Range(0, 100)
	desc := device.Descriptor{
		Class:  device.ClassCamera,
		Vendor: "simulated",
		Model:  model,
		Settings: []device.SettingDescriptor{
			{Name: "exposure", Type: device.TypeFloat, Min: expMin, Max: expMax, Unit: "s", Description: "Exposure time"},
			{Name: "gain", Type: device.TypeInt, Min: gainMin, Max: gainMax},
			{Name: "binning", Type: device.TypeEnum, Values: []string{"1x1", "2x2", "4x4"}},
			{Name: "readout_mode", Type: device.TypeEnum, Values: []string{"fast", "normal", "low_noise"}},
			{Name: "temperature", Type: device.TypeFloat, ReadOnly: true, Unit: "C", Description: "Sensor temperature"},
			{Name: "frames_acquired", Type: device.TypeInt, ReadOnly: true},
		},
		Triggers: device.TriggerCapabilities{
			Modes: []device.TriggerMode{device.TriggerSoftware, device.TriggerHardwareRising},
			Types: []device.TriggerType{device.TriggerOnce, device.TriggerPerFrame, device.TriggerContinuous},
		},
	}
	values := map[string]device.Value{
		"exposure":        device.Float(0.01),
		"gain":            device.Int(0),
		"binning":         device.Enum("1x1"),
		"readout_mode":    device.Enum("normal"),
		"temperature":     device.Float(temp),
		"frames_acquired": device.Int(0),
	}

	c, err := newCore(desc, values, p)
	if err != nil {
		return nil, err
	}
	return &Camera{core: c, sensorTemp: temp}, nil
}

// Read serves the live read-only values.
func (c *Camera) Read(ctx context.Context, name string) (device.Value, error) {
	switch name {
	case "frames_acquired":
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.checkOpenLocked(); err != nil {
			return device.Value{}, err
		}
		return device.Int(int64(c.frames)), nil
	case "temperature":
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.checkOpenLocked(); err != nil {
			return device.Value{}, err
		}
		// The sensor warms slightly while acquiring.
		t := c.sensorTemp
		if c.armed != nil {
			t += 0.5
		}
		return device.Float(t), nil
	}
	return c.core.Read(ctx, name)
}
