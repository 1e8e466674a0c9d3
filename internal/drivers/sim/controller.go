package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

// link is a controller connection shared by the controller and its
// sub-devices. It logs in on first use and disconnects when the last user
// closes it.
type link struct {
	mu         sync.Mutex
	users      int
	logins     int
	loginFails bool
}

func (l *link) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.users == 0 {
		if l.loginFails {
			return fmt.Errorf("%w: controller rejected login", device.ErrHardwareFault)
		}
		l.logins++
	}
	l.users++
	return nil
}

func (l *link) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.users > 0 {
		l.users--
	}
}

func (l *link) refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users
}

// Controller is a simulated microscope stand fronting a transmitted-light
// LED and a motorised stage over one connection.
type Controller struct {
	*core
	led   *LightSource
	stage *Stage
}

// NewController builds a simulated stand. Parameters: login_fails, and led
// and stage maps passed to the sub-devices.
func NewController(p drivers.Params) (*Controller, error) {
	loginFails, err := p.Bool("login_fails", false)
	if err != nil {
		return nil, err
	}
	l := &link{loginFails: loginFails}

	desc := device.Descriptor{
		Class:  device.ClassController,
		Vendor: "simulated",
		Model:  "SimStand IX",
		Settings: []device.SettingDescriptor{
			{Name: "logged_in", Type: device.TypeBool, ReadOnly: true},
		},
	}
	c, err := newCore(desc, map[string]device.Value{"logged_in": device.Bool(false)}, p)
	if err != nil {
		return nil, err
	}
	c.link = l

	ledParams := p.Sub("led")
	wavelength, err := ledParams.Int("wavelength", 550)
	if err != nil {
		return nil, err
	}
	led, err := newLightSource(ledParams, "SimStand LED", int64(wavelength), 255)
	if err != nil {
		return nil, fmt.Errorf("led: %w", err)
	}
	led.link = l

	stageParams := p.Sub("stage")
	lo, err := stageParams.Float("min", 0)
	if err != nil {
		return nil, err
	}
	hi, err := stageParams.Float("max", 100000)
	if err != nil {
		return nil, err
	}
	scale, err := stageParams.Float("time_scale", 0)
	if err != nil {
		return nil, err
	}
	stage, err := newStage(stageParams, lo, hi, 1000, scale)
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}
	stage.link = l

	return &Controller{core: c, led: led, stage: stage}, nil
}

// Devices returns the sub-devices by name.
func (c *Controller) Devices() map[string]device.Driver {
	return map[string]device.Driver{
		"led":   c.led,
		"stage": c.stage,
	}
}

// Read reports whether the shared connection is logged in.
func (c *Controller) Read(ctx context.Context, name string) (device.Value, error) {
	if name == "logged_in" {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.checkOpenLocked(); err != nil {
			return device.Value{}, err
		}
		return device.Bool(c.link.refs() > 0), nil
	}
	return c.core.Read(ctx, name)
}

// Logins reports how many times the connection has logged in.
func (c *Controller) Logins() int {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.link.logins
}
