package device

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Machine is the lifecycle and settings engine for one local device. It owns
// the device record (state, values, dirty set) and drives a Driver.
//
// Operations on one Machine are serialised; operations on different
// Machines are independent. An armed acquisition runs in its own goroutine
// so Abort and Status never wait on trigger events.
type Machine struct {
	id     string
	driver Driver
	logger Logger
	store  SettingsStore

	// ops is a one-slot semaphore: at most one operation in flight.
	ops chan struct{}

	mu        sync.RWMutex
	state     State
	desc      Descriptor
	values    map[string]Value
	dirty     map[string]struct{}
	frames    int
	lastErr   string
	updatedAt time.Time
	run       *acquisition
	lastRun   *acquisition
	cancelArm context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]func(Transition)
	nextSub int
}

// acquisition is one armed trigger cycle.
type acquisition struct {
	spec   TriggerSpec
	ctx    context.Context
	cancel context.CancelFunc
	fire   chan struct{}
	done   chan struct{}
	err    error // valid once done is closed
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine's logger.
func WithLogger(l Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSettingsStore attaches a store used to persist flushed settings and
// restore them on initialise.
func WithSettingsStore(s SettingsStore) Option {
	return func(m *Machine) { m.store = s }
}

// NewMachine wraps driver in a state machine identified by id. The device
// starts Uninitialized.
func NewMachine(id string, driver Driver, opts ...Option) *Machine {
	m := &Machine{
		id:        id,
		driver:    driver,
		logger:    noopLogger{},
		ops:       make(chan struct{}, 1),
		state:     StateUninitialized,
		values:    make(map[string]Value),
		dirty:     make(map[string]struct{}),
		updatedAt: time.Now().UTC(),
		subs:      make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the device identifier.
func (m *Machine) ID() string { return m.id }

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for every lifecycle transition. fn runs on the
// goroutine that caused the transition and must not block.
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Initialize performs the hardware handshake and loads current values.
// Persisted settings that differ from the hardware are restored as dirty.
//
// Initialising an Idle device is a no-op. A Faulted device must be shut
// down first.
//
// Returns ErrDeviceInitError wrapping the driver's error if the handshake,
// the descriptor or the first read fails; the device is then Faulted.
func (m *Machine) Initialize(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	switch st := m.State(); st {
	case StateUninitialized:
	case StateIdle:
		return nil
	case StateFaulted:
		return fmt.Errorf("%w: %s: shut down before initialising again", ErrDeviceFaulted, m.id)
	default:
		return fmt.Errorf("%w: %s: initialise while %s", ErrDeviceBusy, m.id, st)
	}

	// Handshake
	desc, err := m.driver.Open(ctx)
	if err != nil {
		return m.initFailed(err)
	}
	if err := validateDescriptor(desc); err != nil {
		_ = m.driver.Close(ctx) //nolint:errcheck // best effort on a rejected descriptor
		return m.initFailed(fmt.Errorf("invalid descriptor: %w", err))
	}

	// Load every current value before exposing the descriptor
	values := make(map[string]Value, len(desc.Settings))
	for _, s := range desc.Settings {
		v, err := m.driver.Read(ctx, s.Name)
		if err != nil {
			_ = m.driver.Close(ctx) //nolint:errcheck // best effort after a failed handshake
			return m.initFailed(fmt.Errorf("reading %s: %w", s.Name, err))
		}
		values[s.Name] = v
	}
	dirty := m.restore(desc, values)

	m.mu.Lock()
	m.desc = desc
	m.values = values
	m.dirty = dirty
	m.frames = 0
	m.lastErr = ""
	m.lastRun = nil
	m.mu.Unlock()

	m.moveTo(StateIdle, "initialised")
	m.logger.Info("device initialised",
		"device", m.id,
		"class", desc.Class,
		"settings", len(desc.Settings),
		"restored", len(dirty),
	)
	return nil
}

func (m *Machine) initFailed(cause error) error {
	m.mu.Lock()
	m.lastErr = cause.Error()
	m.mu.Unlock()
	m.moveTo(StateFaulted, "initialisation failed")
	m.logger.Error("device initialisation failed", "device", m.id, "error", cause)
	return fmt.Errorf("%w: %s: %w", ErrDeviceInitError, m.id, cause)
}

// restore stages persisted values that are still valid and differ from the
// hardware. They come back dirty and must be flushed before arming.
func (m *Machine) restore(desc Descriptor, values map[string]Value) map[string]struct{} {
	dirty := make(map[string]struct{})
	if m.store == nil {
		return dirty
	}
	saved, err := m.store.Load(m.id)
	if err != nil {
		m.logger.Warn("loading persisted settings failed", "device", m.id, "error", err)
		return dirty
	}
	for name, v := range saved {
		sd, ok := desc.Setting(name)
		if !ok || sd.ValidateWrite(v) != nil {
			continue
		}
		if current, ok := values[name]; ok && current.Equal(v) {
			continue
		}
		values[name] = v
		dirty[name] = struct{}{}
	}
	return dirty
}

// Shutdown stops any acquisition and releases the hardware. It is the only
// way out of Faulted.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.cancelArming()
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	prev := m.State()
	if prev == StateUninitialized {
		return nil
	}
	m.stopRun(ctx)
	m.moveTo(StateShuttingDown, "shutdown requested")

	var errs []error
	if prev.Frozen() {
		if err := m.driver.Disarm(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disarming: %w", err))
		}
	}
	if err := m.driver.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing: %w", err))
	}

	m.mu.Lock()
	m.dirty = make(map[string]struct{})
	m.lastRun = nil
	m.mu.Unlock()

	m.moveTo(StateUninitialized, "shut down")
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("device shutdown finished with errors", "device", m.id, "error", err)
		return fmt.Errorf("shutting down %s: %w", m.id, err)
	}
	m.logger.Info("device shut down", "device", m.id)
	return nil
}

// Describe returns the capability descriptor reported at initialise time.
func (m *Machine) Describe(_ context.Context) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usableLocked(); err != nil {
		return Descriptor{}, err
	}
	return m.desc, nil
}

// EnumerateSettings returns every setting descriptor.
func (m *Machine) EnumerateSettings(ctx context.Context) ([]SettingDescriptor, error) {
	desc, err := m.Describe(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(desc.Settings), nil
}

// GetSetting returns the current value of a setting. Read-only settings are
// read from the hardware; writable ones return the value the machine holds,
// which is always within the descriptor's range.
func (m *Machine) GetSetting(ctx context.Context, name string) (Value, error) {
	m.mu.RLock()
	if err := m.usableLocked(); err != nil {
		m.mu.RUnlock()
		return Value{}, err
	}
	sd, ok := m.desc.Setting(name)
	v := m.values[name]
	m.mu.RUnlock()

	if !ok {
		return Value{}, fmt.Errorf("%w: %s has no setting %q", ErrUnsupportedOperation, m.id, name)
	}
	if !sd.ReadOnly {
		return v, nil
	}

	live, err := m.driver.Read(ctx, name)
	if err != nil {
		if errors.Is(err, ErrHardwareFault) {
			m.fault(err)
		}
		return Value{}, fmt.Errorf("reading %s.%s: %w", m.id, name, err)
	}
	m.mu.Lock()
	m.values[name] = live
	m.mu.Unlock()
	return live, nil
}

// SetSetting stages one setting. See SetSettings.
func (m *Machine) SetSetting(ctx context.Context, name string, v Value) error {
	return m.SetSettings(ctx, map[string]Value{name: v})
}

// SetSettings validates every change and only then stages all of them as
// dirty. While armed or triggered only hot-swappable settings are accepted
// and they are written to the hardware at once.
//
// Parameters:
//   - changes: setting name to new value; ints are widened for float settings
//
// Returns:
//   - ErrUnsupportedOperation for an unknown setting
//   - ErrInvalidSettingValue for a wrong type, out of range or read-only value
//   - ErrDeviceBusy for a non hot-swappable setting while frozen
//
// Nothing is staged if any change is rejected.
func (m *Machine) SetSettings(ctx context.Context, changes map[string]Value) error {
	if len(changes) == 0 {
		return nil
	}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.RLock()
	st := m.state
	err := m.usableLocked()
	desc := m.desc
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if st == StateShuttingDown {
		return fmt.Errorf("%w: %s is shutting down", ErrInvalidState, m.id)
	}

	// Validate all before staging any
	names := slices.Sorted(maps.Keys(changes))
	staged := make(map[string]Value, len(changes))
	for _, name := range names {
		sd, ok := desc.Setting(name)
		if !ok {
			return fmt.Errorf("%w: %s has no setting %q", ErrUnsupportedOperation, m.id, name)
		}
		v := changes[name]
		if sd.Type == TypeFloat && v.Type() == TypeInt {
			v = Float(v.AsFloat())
		}
		if err := sd.ValidateWrite(v); err != nil {
			return fmt.Errorf("%s: %w", m.id, err)
		}
		if st.Frozen() && !sd.HotSwap {
			return fmt.Errorf("%w: %s: %s cannot change while %s", ErrDeviceBusy, m.id, name, st)
		}
		staged[name] = v
	}

	if st.Frozen() {
		return m.writeThrough(ctx, names, staged)
	}

	m.moveTo(StateConfiguring, "staging settings")
	m.mu.Lock()
	for name, v := range staged {
		m.values[name] = v
		m.dirty[name] = struct{}{}
	}
	m.mu.Unlock()
	m.moveTo(StateIdle, "settings staged")

	m.logger.Debug("settings staged", "device", m.id, "settings", names)
	return nil
}

// writeThrough applies hot-swappable settings during an acquisition.
func (m *Machine) writeThrough(ctx context.Context, names []string, staged map[string]Value) error {
	for _, name := range names {
		v := staged[name]
		if err := m.driver.Write(ctx, name, v); err != nil {
			if errors.Is(err, ErrHardwareFault) {
				m.fault(err)
			}
			return fmt.Errorf("writing %s.%s: %w", m.id, name, err)
		}
		m.mu.Lock()
		m.values[name] = v
		m.mu.Unlock()
	}
	return nil
}

// Flush writes every dirty setting to the hardware in name order.
func (m *Machine) Flush(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.RLock()
	st := m.state
	err := m.usableLocked()
	names := slices.Sorted(maps.Keys(m.dirty))
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if st.Frozen() {
		return fmt.Errorf("%w: %s: flush while %s", ErrDeviceBusy, m.id, st)
	}
	if len(names) == 0 {
		return nil
	}

	m.moveTo(StateConfiguring, "flushing settings")
	for _, name := range names {
		m.mu.RLock()
		v := m.values[name]
		m.mu.RUnlock()

		if err := m.driver.Write(ctx, name, v); err != nil {
			if errors.Is(err, ErrHardwareFault) {
				m.fault(err)
			} else {
				m.recordErr(err)
				m.moveTo(StateIdle, "flush failed")
			}
			return fmt.Errorf("%w: %s.%s: %w", ErrSettingsNotApplied, m.id, name, err)
		}

		m.mu.Lock()
		delete(m.dirty, name)
		m.mu.Unlock()
	}
	m.moveTo(StateIdle, "settings applied")
	m.persist()

	m.logger.Debug("settings flushed", "device", m.id, "settings", names)
	return nil
}

func (m *Machine) persist() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	snapshot := make(map[string]Value, len(m.values))
	for _, sd := range m.desc.Settings {
		if v, ok := m.values[sd.Name]; ok && !sd.ReadOnly {
			snapshot[sd.Name] = v
		}
	}
	m.mu.RUnlock()

	if err := m.store.Save(m.id, snapshot); err != nil {
		m.logger.Warn("persisting settings failed", "device", m.id, "error", err)
	}
}

// PrepareTrigger arms the device. It fails with ErrSettingsNotApplied while
// any setting is dirty and with ErrUnsupportedOperation for a trigger
// configuration the descriptor does not advertise.
//
// Parameters:
//   - ctx: bounds the driver's arm; Abort also cancels it
//   - spec: trigger configuration, normalised before it is checked
//
// On success the device is Armed and an acquisition goroutine waits for
// the first trigger event. A cancelled arm is disarmed and reported as
// ErrAborted.
func (m *Machine) PrepareTrigger(ctx context.Context, spec TriggerSpec) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.RLock()
	st := m.state
	err := m.usableLocked()
	desc := m.desc
	dirty := slices.Sorted(maps.Keys(m.dirty))
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if st != StateIdle {
		return fmt.Errorf("%w: %s: arm while %s", ErrDeviceBusy, m.id, st)
	}

	spec, err = spec.Normalize()
	if err != nil {
		return fmt.Errorf("%s: %w", m.id, err)
	}
	if err := desc.Supports(spec); err != nil {
		return fmt.Errorf("%s: %w", m.id, err)
	}
	if len(dirty) > 0 {
		return fmt.Errorf("%w: %s: %v not flushed", ErrSettingsNotApplied, m.id, dirty)
	}

	// Abort may arrive while the driver is arming
	armCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelArm = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancelArm = nil
		m.mu.Unlock()
		cancel()
	}()

	if err := m.driver.Arm(armCtx, spec); err != nil {
		if errors.Is(err, ErrHardwareFault) {
			m.fault(err)
		} else {
			m.recordErr(err)
		}
		return fmt.Errorf("arming %s: %w", m.id, err)
	}
	if armCtx.Err() != nil {
		_ = m.driver.Disarm(context.WithoutCancel(ctx)) //nolint:errcheck // arm was cancelled underneath the driver
		return fmt.Errorf("arming %s: %w", m.id, ErrAborted)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	run := &acquisition{
		spec:   spec,
		ctx:    runCtx,
		cancel: runCancel,
		fire:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.run = run
	m.frames = 0
	m.mu.Unlock()

	m.moveTo(StateArmed, spec.String())
	go m.runAcquisition(run)
	return nil
}

// Trigger fires the software trigger on an armed device. The acquisition
// proceeds in the background; use Wait to block until it completes.
func (m *Machine) Trigger(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.mu.RLock()
	st := m.state
	err := m.usableLocked()
	run := m.run
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if st != StateArmed || run == nil {
		return fmt.Errorf("%w: %s: trigger while %s", ErrInvalidState, m.id, st)
	}
	if run.spec.Mode.Hardware() {
		return fmt.Errorf("%w: %s is armed for %s triggers", ErrUnsupportedOperation, m.id, run.spec.Mode)
	}

	m.moveTo(StateTriggered, "software trigger")
	close(run.fire)
	return nil
}

// Wait blocks until the current acquisition completes and returns its
// result. With nothing armed it returns the result of the last acquisition.
func (m *Machine) Wait(ctx context.Context) error {
	m.mu.RLock()
	run := m.run
	if run == nil {
		run = m.lastRun
	}
	m.mu.RUnlock()
	if run == nil {
		return nil
	}

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", m.id, ctx.Err())
	}
}

// Abort stops whatever the device is doing and returns it to Idle. It is
// safe in every state and calling it again has no further effect.
func (m *Machine) Abort(ctx context.Context) error {
	m.cancelArming()
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.stopRun(ctx)
	if !m.State().Frozen() {
		return nil
	}

	if err := m.driver.Disarm(ctx); err != nil {
		if errors.Is(err, ErrHardwareFault) {
			m.fault(err)
			return fmt.Errorf("aborting %s: %w", m.id, err)
		}
		m.logger.Warn("disarm failed during abort", "device", m.id, "error", err)
	}
	m.moveTo(StateIdle, "aborted")
	m.logger.Info("device aborted", "device", m.id)
	return nil
}

// Status is available in every state, including Faulted.
func (m *Machine) Status(ctx context.Context) (Status, error) {
	m.mu.RLock()
	st := Status{
		ID:        m.id,
		State:     m.state,
		Class:     m.desc.Class,
		Dirty:     slices.Sorted(maps.Keys(m.dirty)),
		Frames:    m.frames,
		LastError: m.lastErr,
		UpdatedAt: m.updatedAt,
	}
	if m.run != nil {
		spec := m.run.spec
		st.Trigger = &spec
	}
	m.mu.RUnlock()

	if st.State != StateUninitialized {
		details, err := m.driver.Status(ctx)
		if err != nil {
			details = map[string]any{"error": err.Error()}
		}
		st.Details = details
	}
	return st, nil
}

// runAcquisition counts trigger events until the expected count is reached
// or the run is cancelled.
func (m *Machine) runAcquisition(run *acquisition) {
	defer close(run.done)

	hardware := run.spec.Mode.Hardware()
	if !hardware {
		select {
		case <-run.fire:
		case <-run.ctx.Done():
			run.err = ErrAborted
			return
		}
	}

	for n := 0; run.spec.Unbounded() || n < run.spec.Count; n++ {
		var err error
		if hardware {
			err = m.driver.Await(run.ctx)
		} else {
			err = m.driver.Fire(run.ctx)
		}
		if run.ctx.Err() != nil {
			run.err = ErrAborted
			return
		}
		if err != nil {
			run.err = fmt.Errorf("acquisition on %s: %w", m.id, err)
			m.finishRun(run, err)
			return
		}
		if n == 0 && hardware {
			m.moveTo(StateTriggered, "hardware trigger")
		}
		m.mu.Lock()
		m.frames++
		m.mu.Unlock()
	}
	m.finishRun(run, nil)
}

// finishRun moves the device out of Armed/Triggered after the acquisition
// loop ended by itself.
func (m *Machine) finishRun(run *acquisition, cause error) {
	m.mu.Lock()
	if m.run == run {
		m.run = nil
	}
	m.lastRun = run
	m.mu.Unlock()

	switch {
	case cause == nil:
		if err := m.driver.Disarm(context.Background()); err != nil {
			m.logger.Warn("disarm after acquisition failed", "device", m.id, "error", err)
		}
		m.moveTo(StateIdle, "acquisition complete")
	case errors.Is(cause, ErrHardwareFault):
		m.fault(cause)
	default:
		m.recordErr(cause)
		_ = m.driver.Disarm(context.Background()) //nolint:errcheck // best effort after a failed event
		m.moveTo(StateIdle, "acquisition failed")
	}
}

// stopRun cancels the current acquisition and waits for its loop to exit.
func (m *Machine) stopRun(ctx context.Context) {
	m.mu.RLock()
	run := m.run
	m.mu.RUnlock()
	if run == nil {
		return
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		m.logger.Warn("acquisition loop did not stop in time", "device", m.id)
	}

	m.mu.Lock()
	if m.run == run {
		m.run = nil
	}
	m.lastRun = run
	m.mu.Unlock()
}

func (m *Machine) cancelArming() {
	m.mu.RLock()
	cancel := m.cancelArm
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// fault moves the device to Faulted after an unrecoverable hardware error.
func (m *Machine) fault(cause error) {
	m.mu.Lock()
	m.lastErr = cause.Error()
	run := m.run
	m.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	m.moveTo(StateFaulted, cause.Error())
	m.logger.Error("device faulted", "device", m.id, "error", cause)
}

func (m *Machine) recordErr(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// usableLocked rejects operations that need an initialised, healthy device.
// Callers hold m.mu.
func (m *Machine) usableLocked() error {
	switch m.state {
	case StateUninitialized:
		return fmt.Errorf("%w: %s", ErrNotInitialized, m.id)
	case StateFaulted:
		return fmt.Errorf("%w: %s: %s", ErrDeviceFaulted, m.id, m.lastErr)
	}
	return nil
}

// moveTo changes state and notifies subscribers outside the lock.
func (m *Machine) moveTo(to State, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.updatedAt = time.Now().UTC()
	t := Transition{Device: m.id, From: from, To: to, Reason: reason, At: m.updatedAt}
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]func(Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(t)
	}
}

// lock takes the per-device operation slot, giving up with ErrDeviceBusy
// when ctx ends first.
func (m *Machine) lock(ctx context.Context) error {
	select {
	case m.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrDeviceBusy, m.id, ctx.Err())
	}
}

func (m *Machine) unlock() { <-m.ops }
