package drivers

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Catalog errors.
var (
	ErrUnknownDriver   = errors.New("drivers: unknown driver")
	ErrDuplicateDriver = errors.New("drivers: driver already registered")
	ErrInvalidParam    = errors.New("drivers: invalid parameter")
)

// Factory builds a driver from its configuration parameters.
type Factory func(p Params) (device.Driver, error)

// Catalog maps driver references such as "sim.camera" to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (c *Catalog) Register(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || f == nil {
		return fmt.Errorf("%w: name and factory are required", ErrInvalidParam)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, name)
	}
	c.factories[name] = f
	return nil
}

// New builds the driver registered under name.
func (c *Catalog) New(name string, p Params) (device.Driver, error) {
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	if p == nil {
		p = Params{}
	}
	drv, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", name, err)
	}
	return drv, nil
}

// Names returns the registered driver references in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Params are the loosely typed driver parameters decoded from YAML or JSON.
type Params map[string]any

// Float returns key as a float64, accepting any numeric type.
func (p Params) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidParam, key, raw)
}

// Int returns key as an int. Floats must be integral.
func (p Params) Int(key string, def int) (int, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidParam, key, raw)
}

// Bool returns key as a bool.
func (p Params) Bool(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	if b, ok := raw.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidParam, key, raw)
}

// String returns key as a string.
func (p Params) String(key, def string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidParam, key, raw)
}

// Strings returns key as a string list.
func (p Params) Strings(key string, def []string) ([]string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain strings, got %T", ErrInvalidParam, key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be a list, got %T", ErrInvalidParam, key, raw)
}

// Duration returns key parsed with time.ParseDuration. Bare numbers are
// taken as seconds.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	if s, ok := raw.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidParam, key, err)
		}
		return d, nil
	}
	secs, err := p.Float(key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Sub returns a nested parameter map, or an empty one.
func (p Params) Sub(key string) Params {
	switch v := p[key].(type) {
	case map[string]any:
		return Params(v)
	case Params:
		return v
	}
	return Params{}
}
