package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

// core is the hardware model shared by every simulated driver: a value
// table, a trigger line and fault injection.
type core struct {
	mu     sync.Mutex
	desc   device.Descriptor
	values map[string]device.Value
	open   bool
	faults Faults
	armed  *device.TriggerSpec
	frames int

	// pulses models the external trigger line.
	pulses chan struct{}

	// pulseEvery generates hardware pulses while armed when positive.
	pulseEvery time.Duration
	stopPulses chan struct{}

	// link is the shared controller connection, if any.
	link *link
}

func newCore(desc device.Descriptor, values map[string]device.Value, p drivers.Params) (*core, error) {
	faults, err := parseFaults(p.Sub("faults"))
	if err != nil {
		return nil, err
	}
	every, err := p.Duration("pulse_interval", 0)
	if err != nil {
		return nil, err
	}
	return &core{
		desc:       desc,
		values:     values,
		faults:     faults,
		pulses:     make(chan struct{}, 64),
		pulseEvery: every,
	}, nil
}

// SetFaults replaces the injected faults.
func (c *core) SetFaults(f Faults) {
	c.mu.Lock()
	c.faults = f
	c.mu.Unlock()
}

// Pulse sends one event on the simulated hardware trigger line. Pulses
// arriving while the device is not armed are dropped.
func (c *core) Pulse() {
	c.mu.Lock()
	armed := c.armed != nil
	c.mu.Unlock()
	if !armed {
		return
	}
	select {
	case c.pulses <- struct{}{}:
	default:
	}
}

func (c *core) Open(_ context.Context) (device.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.FailOpen {
		return device.Descriptor{}, fmt.Errorf("%w: simulated handshake failure", device.ErrHardwareFault)
	}
	if c.link != nil && !c.open {
		if err := c.link.acquire(); err != nil {
			return device.Descriptor{}, err
		}
	}
	c.open = true
	return c.desc, nil
}

func (c *core) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.disarmLocked()
	c.open = false
	if c.link != nil {
		c.link.release()
	}
	return nil
}

func (c *core) Read(_ context.Context, name string) (device.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpenLocked(); err != nil {
		return device.Value{}, err
	}
	v, ok := c.values[name]
	if !ok {
		return device.Value{}, fmt.Errorf("%w: no setting %q", device.ErrUnsupportedOperation, name)
	}
	return v, nil
}

func (c *core) Write(_ context.Context, name string, v device.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(name, v)
}

func (c *core) writeLocked(name string, v device.Value) error {
	if err := c.checkOpenLocked(); err != nil {
		return err
	}
	if c.faults.FaultOnWrite == name {
		return fmt.Errorf("%w: simulated write failure on %s", device.ErrHardwareFault, name)
	}
	if _, ok := c.values[name]; !ok {
		return fmt.Errorf("%w: no setting %q", device.ErrUnsupportedOperation, name)
	}
	c.values[name] = v
	return nil
}

func (c *core) Arm(ctx context.Context, spec device.TriggerSpec) error {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	faults := c.faults
	c.mu.Unlock()

	if faults.HangArm {
		<-ctx.Done()
		return ctx.Err()
	}
	if faults.FailArm {
		return fmt.Errorf("simulated arm rejection for %s", spec)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = &spec
	c.frames = 0
	for len(c.pulses) > 0 {
		<-c.pulses
	}
	if spec.Mode.Hardware() && c.pulseEvery > 0 {
		c.stopPulses = make(chan struct{})
		go c.generatePulses(c.pulseEvery, c.stopPulses)
	}
	return nil
}

func (c *core) generatePulses(every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case c.pulses <- struct{}{}:
			default:
			}
		case <-stop:
			return
		}
	}
}

func (c *core) Fire(ctx context.Context) error {
	return c.frame(ctx)
}

func (c *core) Await(ctx context.Context) error {
	select {
	case <-c.pulses:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.frame(ctx)
}

// frame completes one trigger event after the injected latency.
func (c *core) frame(ctx context.Context) error {
	c.mu.Lock()
	latency := c.faults.FrameLatency
	armed := c.armed != nil
	c.mu.Unlock()
	if !armed {
		return fmt.Errorf("%w: trigger event while disarmed", device.ErrInvalidState)
	}

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	return nil
}

func (c *core) Disarm(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked()
	return nil
}

func (c *core) disarmLocked() {
	c.armed = nil
	if c.stopPulses != nil {
		close(c.stopPulses)
		c.stopPulses = nil
	}
}

func (c *core) Status(_ context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	details := map[string]any{
		"simulated": true,
		"open":      c.open,
		"frames":    c.frames,
	}
	if c.armed != nil {
		details["armed"] = c.armed.String()
	}
	if c.link != nil {
		details["link_refs"] = c.link.refs()
	}
	return details, nil
}

func (c *core) checkOpenLocked() error {
	if !c.open {
		return fmt.Errorf("%w: device not open", device.ErrHardwareFault)
	}
	return nil
}
