package device

import "errors"

// Domain errors for the device package.
//
// Every error returned by a Device carries one of these sentinels so callers
// (and the remote wire protocol) can classify it with errors.Is:
//
//	if errors.Is(err, device.ErrDeviceBusy) {
//	    // retry after the acquisition completes
//	}
var (
	// ErrInvalidSettingValue is returned when a value fails its descriptor's
	// type, range or allowed-set check. Nothing is staged or written.
	ErrInvalidSettingValue = errors.New("device: invalid setting value")

	// ErrUnsupportedOperation is returned for unknown or read-only settings and
	// for trigger configurations the device does not advertise.
	ErrUnsupportedOperation = errors.New("device: unsupported operation")

	// ErrDeviceBusy is returned when configuration is frozen (armed or
	// triggered) and the setting is not hot-swappable.
	ErrDeviceBusy = errors.New("device: busy")

	// ErrDeviceInitError is returned when the hardware handshake fails.
	// The device is left Faulted.
	ErrDeviceInitError = errors.New("device: initialisation failed")

	// ErrSettingsNotApplied is returned by PrepareTrigger while settings are
	// still dirty.
	ErrSettingsNotApplied = errors.New("device: settings not applied")

	// ErrDependencyViolation is returned when a change would break a declared
	// cross-device dependency.
	ErrDependencyViolation = errors.New("device: dependency violation")

	// ErrRemoteUnavailable is returned when the link to a remote device is
	// down. It never describes a device-semantic refusal.
	ErrRemoteUnavailable = errors.New("device: remote unavailable")

	// ErrPartialSessionFailure is returned when a coordinated session did not
	// complete on every participant.
	ErrPartialSessionFailure = errors.New("device: partial session failure")

	// ErrDeviceFaulted is returned for every operation except Status and
	// Shutdown while the device is Faulted.
	ErrDeviceFaulted = errors.New("device: faulted")

	// ErrNotInitialized is returned for operations that need an initialised
	// device.
	ErrNotInitialized = errors.New("device: not initialised")

	// ErrInvalidState is returned when an operation is not valid in the
	// current lifecycle state (for example Trigger while not armed).
	ErrInvalidState = errors.New("device: invalid state for operation")

	// ErrHardwareFault is wrapped by drivers to report an unrecoverable I/O
	// failure. The state machine moves the device to Faulted when it sees it.
	ErrHardwareFault = errors.New("device: hardware fault")

	// ErrAborted is reported by Wait for an acquisition stopped by Abort.
	ErrAborted = errors.New("device: acquisition aborted")
)

// Kind is the stable wire identifier of an error class.
type Kind string

// Error kinds, one per sentinel.
const (
	KindInvalidSettingValue   Kind = "invalid_setting_value"
	KindUnsupportedOperation  Kind = "unsupported_operation"
	KindDeviceBusy            Kind = "device_busy"
	KindDeviceInitError       Kind = "device_init_error"
	KindSettingsNotApplied    Kind = "settings_not_applied"
	KindDependencyViolation   Kind = "dependency_violation"
	KindRemoteUnavailable     Kind = "remote_unavailable"
	KindPartialSessionFailure Kind = "partial_session_failure"
	KindDeviceFaulted         Kind = "device_faulted"
	KindNotInitialized        Kind = "not_initialized"
	KindInvalidState          Kind = "invalid_state"
	KindHardwareFault         Kind = "hardware_fault"
	KindAborted               Kind = "aborted"
	KindInternal              Kind = "internal"
)

// kindTable is ordered: the first matching sentinel wins, so the more
// specific kinds (init error wraps a hardware fault) come first.
var kindTable = []struct {
	kind Kind
	err  error
}{
	{KindDeviceInitError, ErrDeviceInitError},
	{KindPartialSessionFailure, ErrPartialSessionFailure},
	{KindDependencyViolation, ErrDependencyViolation},
	{KindInvalidSettingValue, ErrInvalidSettingValue},
	{KindUnsupportedOperation, ErrUnsupportedOperation},
	{KindDeviceBusy, ErrDeviceBusy},
	{KindSettingsNotApplied, ErrSettingsNotApplied},
	{KindDeviceFaulted, ErrDeviceFaulted},
	{KindNotInitialized, ErrNotInitialized},
	{KindInvalidState, ErrInvalidState},
	{KindHardwareFault, ErrHardwareFault},
	{KindAborted, ErrAborted},
	{KindRemoteUnavailable, ErrRemoteUnavailable},
}

// KindOf classifies err. It returns the empty Kind for a nil error and
// KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// Err returns the sentinel for k, or nil for KindInternal and unknown kinds.
func (k Kind) Err() error {
	for _, entry := range kindTable {
		if entry.kind == k {
			return entry.err
		}
	}
	return nil
}
