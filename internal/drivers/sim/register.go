// Package sim provides simulated hardware for every device class. The
// simulations model the behaviour the state machine depends on (value
// tables, trigger lines, blocking moves, shared controller connections)
// and can inject faults.
package sim

import (
	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

// Driver references registered by Register.
const (
	CameraDriver      = "sim.camera"
	StageDriver       = "sim.stage"
	LightDriver       = "sim.light"
	FilterWheelDriver = "sim.filterwheel"
	ControllerDriver  = "sim.controller"
	ClarityDriver     = "sim.clarity"
)

// Register adds every simulated driver to c.
func Register(c *drivers.Catalog) error {
	factories := map[string]drivers.Factory{
		CameraDriver:      func(p drivers.Params) (device.Driver, error) { return NewCamera(p) },
		StageDriver:       func(p drivers.Params) (device.Driver, error) { return NewStage(p) },
		LightDriver:       func(p drivers.Params) (device.Driver, error) { return NewLightSource(p) },
		FilterWheelDriver: func(p drivers.Params) (device.Driver, error) { return NewFilterWheel(p) },
		ControllerDriver:  func(p drivers.Params) (device.Driver, error) { return NewController(p) },
		ClarityDriver:     func(p drivers.Params) (device.Driver, error) { return NewClarity(p) },
	}
	for name, f := range factories {
		if err := c.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// Pulser is implemented by simulated drivers that model a hardware
// trigger line.
type Pulser interface {
	Pulse()
}

var (
	_ device.Driver     = (*Camera)(nil)
	_ device.Driver     = (*Stage)(nil)
	_ device.Driver     = (*LightSource)(nil)
	_ device.Driver     = (*FilterWheel)(nil)
	_ device.Driver     = (*Controller)(nil)
	_ device.Driver     = (*Clarity)(nil)
	_ device.Controller = (*Controller)(nil)
	_ Pulser            = (*Camera)(nil)
)
