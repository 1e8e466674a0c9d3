package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

// ErrDoorOpen is returned when the disk or turret is moved with the
// filter cube door open.
var ErrDoorOpen = errors.New("sim: filter cube door open")

// Disk sectioning levels. Low sectioning gives the most signal.
var sectioningLevels = []string{"none", "low", "mid", "high"}

const clarityPositions = 4

// Clarity is a simulated spinning-disk confocal unit: a sectioning disk,
// a four position filter cube turret, a calibration LED and a door
// interlock on the turret.
//
// Calibration is per turret position; "calibrated" reports whether the
// current position has one.
type Clarity struct {
	*core
	calibrated [clarityPositions]bool
}

// NewClarity builds a simulated confocal unit. Parameters: door_closed
// (initial door state, default true) and faults.
func NewClarity(p drivers.Params) (*Clarity, error) {
	door, err := p.Bool("door_closed", true)
	if err != nil {
		return nil, err
	}

	posMin, posMax := device.Range(0, clarityPositions-1)
	desc := device.Descriptor{
		Class:  device.ClassFilterWheel,
		Vendor: "simulated",
		Model:  "SimClarity",
		Settings: []device.SettingDescriptor{
			{Name: "sectioning", Type: device.TypeEnum, Values: sectioningLevels, Description: "Disk sectioning"},
			{Name: "filter", Type: device.TypeInt, Min: posMin, Max: posMax, Description: "Filter cube turret position"},
			{Name: "calibration_led", Type: device.TypeBool, HotSwap: true},
			{Name: "confocal", Type: device.TypeBool},
			{Name: "door_closed", Type: device.TypeBool, ReadOnly: true},
			{Name: "calibrated", Type: device.TypeBool, ReadOnly: true},
		},
		Triggers: device.TriggerCapabilities{
			Modes: []device.TriggerMode{device.TriggerSoftware},
			Types: []device.TriggerType{device.TriggerOnce},
		},
	}
	values := map[string]device.Value{
		"sectioning":      device.Enum("none"),
		"filter":          device.Int(0),
		"calibration_led": device.Bool(false),
		"confocal":        device.Bool(false),
		"door_closed":     device.Bool(door),
		"calibrated":      device.Bool(false),
	}
	c, err := newCore(desc, values, p)
	if err != nil {
		return nil, err
	}
	return &Clarity{core: c}, nil
}

// Write refuses to move the disk or the turret while the door is open.
func (c *Clarity) Write(_ context.Context, name string, v device.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	moving := name == "sectioning" || name == "filter"
	if moving && !c.values["door_closed"].AsBool() {
		return fmt.Errorf("%w: cannot move %s", ErrDoorOpen, name)
	}
	if err := c.writeLocked(name, v); err != nil {
		return err
	}
	if name == "filter" {
		c.values["calibrated"] = device.Bool(c.calibrated[v.AsInt()])
	}
	return nil
}

// SetDoor opens or closes the filter cube door.
func (c *Clarity) SetDoor(closed bool) {
	c.mu.Lock()
	c.values["door_closed"] = device.Bool(closed)
	c.mu.Unlock()
}

// Calibrate records a calibration for the current turret position. The
// calibration LED must be on.
func (c *Clarity) Calibrate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpenLocked(); err != nil {
		return err
	}
	if !c.values["calibration_led"].AsBool() {
		return fmt.Errorf("%w: calibration LED is off", device.ErrInvalidState)
	}
	c.calibrated[c.values["filter"].AsInt()] = true
	c.values["calibrated"] = device.Bool(true)
	return nil
}
