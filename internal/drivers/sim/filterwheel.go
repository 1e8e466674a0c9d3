package sim

import (
	"context"
	"fmt"
	"slices"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
)

var defaultFilters = []string{"empty", "dapi", "gfp", "tritc"}

// FilterWheel is a simulated filter turret. The read-only filter setting
// follows the position.
type FilterWheel struct {
	*core
	filters []string
}

// NewFilterWheel builds a simulated filter wheel. Parameters: filters (the
// filter name at each position) and faults.
func NewFilterWheel(p drivers.Params) (*FilterWheel, error) {
	filters, err := p.Strings("filters", defaultFilters)
	if err != nil {
		return nil, err
	}
	if len(filters) < 2 {
		return nil, fmt.Errorf("%w: a filter wheel needs at least two positions", drivers.ErrInvalidParam)
	}
	filters = slices.Clone(filters)

	posMin, posMax := device.Range(0, float64(len(filters)-1))
	desc := device.Descriptor{
		Class:  device.ClassFilterWheel,
		Vendor: "simulated",
		Model:  fmt.Sprintf("SimWheel %d", len(filters)),
		Settings: []device.SettingDescriptor{
			{Name: "position", Type: device.TypeInt, Min: posMin, Max: posMax},
			{Name: "filter", Type: device.TypeEnum, Values: filters, ReadOnly: true},
		},
		Triggers: device.TriggerCapabilities{
			Modes: []device.TriggerMode{device.TriggerSoftware},
			Types: []device.TriggerType{device.TriggerOnce},
		},
	}
	values := map[string]device.Value{
		"position": device.Int(0),
		"filter":   device.Enum(filters[0]),
	}
	c, err := newCore(desc, values, p)
	if err != nil {
		return nil, err
	}
	return &FilterWheel{core: c, filters: filters}, nil
}

// Write keeps the filter name in step with the position.
func (w *FilterWheel) Write(_ context.Context, name string, v device.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeLocked(name, v); err != nil {
		return err
	}
	if name == "position" {
		pos := int(v.AsInt())
		if pos < 0 || pos >= len(w.filters) {
			return fmt.Errorf("%w: position %d outside wheel", device.ErrHardwareFault, pos)
		}
		w.values["filter"] = device.Enum(w.filters[pos])
	}
	return nil
}
