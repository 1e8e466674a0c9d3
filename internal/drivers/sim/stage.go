package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

const stagePollInterval = 5 * time.Millisecond

// Stage is a simulated single-axis motorised stage. Position writes block
// until the stage reports it is in position.
type Stage struct {
	*core
	timeScale float64
	moving    bool
}

// NewStage builds a simulated stage. Parameters: min, max (micrometres),
// speed, time_scale (0 makes moves instantaneous) and faults.
func NewStage(p drivers.Params) (*Stage, error) {
	lo, err := p.Float("min", 0)
	if err != nil {
		return nil, err
	}
	hi, err := p.Float("max", 25000)
	if err != nil {
		return nil, err
	}
	if lo >= hi {
		return nil, fmt.Errorf("%w: stage min %g must be below max %g", drivers.ErrInvalidParam, lo, hi)
	}
	speed, err := p.Float("speed", 1000)
	if err != nil {
		return nil, err
	}
	scale, err := p.Float("time_scale", 0)
	if err != nil {
		return nil, err
	}
	return newStage(p, lo, hi, speed, scale)
}

func newStage(p drivers.Params, lo, hi, speed, scale float64) (*Stage, error) {
	posMin, posMax := device.Range(lo, hi)
	speedMin, speedMax := device.Range(1, 5000)
	desc := device.Descriptor{
		Class:  device.ClassStage,
		Vendor: "simulated",
		Model:  "SimStage",
		Settings: []device.SettingDescriptor{
			{Name: "position", Type: device.TypeFloat, Min: posMin, Max: posMax, Unit: "um"},
			{Name: "speed", Type: device.TypeFloat, Min: speedMin, Max: speedMax, Unit: "um/s", HotSwap: true},
			{Name: "moving", Type: device.TypeBool, ReadOnly: true},
		},
		Triggers: device.TriggerCapabilities{
			Modes: []device.TriggerMode{device.TriggerSoftware},
			Types: []device.TriggerType{device.TriggerOnce},
		},
	}
	values := map[string]device.Value{
		"position": device.Float(lo),
		"speed":    device.Float(math.Min(math.Max(speed, 1), 5000)),
		"moving":   device.Bool(false),
	}
	c, err := newCore(desc, values, p)
	if err != nil {
		return nil, err
	}
	return &Stage{core: c, timeScale: scale}, nil
}

// Write moves the stage for position writes and waits for it to settle.
func (s *Stage) Write(ctx context.Context, name string, v device.Value) error {
	if name != "position" {
		return s.core.Write(ctx, name, v)
	}

	s.mu.Lock()
	from := s.values["position"].AsFloat()
	speed := s.values["speed"].AsFloat()
	if err := s.writeLocked(name, v); err != nil {
		s.mu.Unlock()
		return err
	}
	travel := time.Duration(math.Abs(v.AsFloat()-from) / speed * s.timeScale * float64(time.Second))
	s.moving = travel > 0
	s.mu.Unlock()

	return s.settle(ctx, time.Now().Add(travel))
}

// settle polls until the move deadline passes.
func (s *Stage) settle(ctx context.Context, deadline time.Time) error {
	ticker := time.NewTicker(stagePollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.mu.Lock()
			s.moving = false
			s.mu.Unlock()
			return fmt.Errorf("move interrupted: %w", ctx.Err())
		}
	}
	s.mu.Lock()
	s.moving = false
	s.mu.Unlock()
	return nil
}

// Read reports the live moving flag.
func (s *Stage) Read(ctx context.Context, name string) (device.Value, error) {
	if name == "moving" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkOpenLocked(); err != nil {
			return device.Value{}, err
		}
		return device.Bool(s.moving), nil
	}
	return s.core.Read(ctx, name)
}
