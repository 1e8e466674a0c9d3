package registry

import (
	"errors"
	"fmt"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Domain-specific errors for the registry.
var (
	// ErrDeviceNotFound is returned when no device is registered under a name.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDeviceUnavailable is returned for a registered device that failed to
	// initialise or has faulted. Reinitialize makes it available again.
	ErrDeviceUnavailable = errors.New("registry: device unavailable")

	// ErrDuplicateDevice is returned when adding a name that is already taken.
	ErrDuplicateDevice = errors.New("registry: device already registered")

	// ErrInvalidDependency is returned for a dependency expression that does
	// not parse or names an unknown device.
	ErrInvalidDependency = errors.New("registry: invalid dependency")

	// ErrNoCoordinator is returned by RunSession on a registry built without
	// a session coordinator.
	ErrNoCoordinator = errors.New("registry: no session coordinator")
)

// DependencyViolationError reports the dependency a change would break and
// the values on both sides after the change.
type DependencyViolationError struct {
	Dependency Dependency
	Left       device.Value
	Right      device.Value
}

func (e *DependencyViolationError) Error() string {
	return fmt.Sprintf("%s: %s (%v) must be %s %s (%v)",
		device.ErrDependencyViolation,
		e.Dependency.Left, e.Left, e.Dependency.Op, e.Dependency.Right, e.Right)
}

// Is reports whether target is device.ErrDependencyViolation.
func (e *DependencyViolationError) Is(target error) bool {
	return target == device.ErrDependencyViolation
}
