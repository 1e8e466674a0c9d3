package device

import "context"

// Driver is the contract a concrete hardware driver implements. The state
// machine calls it one operation at a time, except Read and Status which may
// be called while an acquisition is running.
type Driver interface {
	// Open performs the hardware handshake and reports the static
	// capability descriptor.
	Open(ctx context.Context) (Descriptor, error)

	// Close releases the hardware.
	Close(ctx context.Context) error

	// Read returns the current hardware value of a setting.
	Read(ctx context.Context, name string) (Value, error)

	// Write applies one already-validated setting to the hardware.
	Write(ctx context.Context, name string, v Value) error

	// Arm prepares the hardware to respond to trigger events.
	Arm(ctx context.Context, spec TriggerSpec) error

	// Fire issues one software trigger and blocks until the event completes.
	Fire(ctx context.Context) error

	// Await blocks until the next hardware trigger event completes.
	Await(ctx context.Context) error

	// Disarm stops any acquisition and leaves the hardware unarmed.
	Disarm(ctx context.Context) error

	// Status returns driver-specific diagnostic fields.
	Status(ctx context.Context) (map[string]any, error)
}

// Controller is implemented by drivers for units that front several
// sub-devices (a microscope stand with a built-in lamp and stage, a camera
// head with a filter turret). Each sub-device gets its own state machine.
type Controller interface {
	Devices() map[string]Driver
}

// Device is the uniform interface the coordinator, registry and API use for
// local and remote devices alike.
type Device interface {
	ID() string

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	Describe(ctx context.Context) (Descriptor, error)
	EnumerateSettings(ctx context.Context) ([]SettingDescriptor, error)

	GetSetting(ctx context.Context, name string) (Value, error)
	SetSetting(ctx context.Context, name string, v Value) error

	// SetSettings validates every change before staging any of them.
	SetSettings(ctx context.Context, changes map[string]Value) error

	// Flush writes dirty settings to the hardware.
	Flush(ctx context.Context) error

	PrepareTrigger(ctx context.Context, spec TriggerSpec) error

	// Trigger fires the software trigger on an armed device.
	Trigger(ctx context.Context) error

	// Wait blocks until the running acquisition completes.
	Wait(ctx context.Context) error

	// Abort is idempotent and valid in every state.
	Abort(ctx context.Context) error

	Status(ctx context.Context) (Status, error)
}

// Observable devices publish their lifecycle transitions.
type Observable interface {
	Subscribe(fn func(Transition)) (cancel func())
}

// SettingsStore persists the last flushed settings of a device so they can
// be restored after a restart.
type SettingsStore interface {
	Save(deviceID string, values map[string]Value) error
	Load(deviceID string) (map[string]Value, error)
}

// Logger defines the logging interface used by the device package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
