package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/session"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SessionRunner runs coordinated acquisitions. *session.Coordinator
// implements it.
type SessionRunner interface {
	Run(ctx context.Context, participants []device.Device, plan session.Plan) (*session.Result, error)
}

// Origin says where a device's hardware lives.
type Origin string

// Device origins.
const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Entry describes one registered device.
type Entry struct {
	Name      string         `json:"name"`
	Class     device.Class   `json:"class,omitempty"`
	Origin    Origin         `json:"origin"`
	Address   string         `json:"address,omitempty"`
	Parent    string         `json:"parent,omitempty"`
	Available bool           `json:"available"`
	Reason    string         `json:"reason,omitempty"`
	Device    device.Device  `json:"-"`
	Initial   map[string]any `json:"-"`
}

// EntryOption configures an entry when it is added.
type EntryOption func(*Entry)

// WithInitialSettings stages settings on the device after every successful
// initialise. Raw values are converted using the device's descriptor.
func WithInitialSettings(settings map[string]any) EntryOption {
	return func(e *Entry) { e.Initial = settings }
}

// WithRemoteAddress marks the device as reached through a device host.
func WithRemoteAddress(addr string) EntryOption {
	return func(e *Entry) {
		e.Origin = OriginRemote
		e.Address = addr
	}
}

// WithParent records the controller a sub-device belongs to.
func WithParent(name string) EntryOption {
	return func(e *Entry) { e.Parent = name }
}

type entry struct {
	Entry
	unsubscribe func()
}

// Registry is the set of devices the service controls, addressed by name.
// Devices start unavailable and become available once initialised.
//
// The registry lock only guards the set itself; device operations run
// outside it once a device has been resolved.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	deps    []Dependency

	// depMu serialises batches that touch a dependency, from the check
	// through the last flush.
	depMu sync.Mutex

	sinkMu sync.RWMutex
	sinks  []func(device.Transition)

	runner SessionRunner
	logger Logger

	stopMu sync.Mutex
	stops  []func()
}

// NewRegistry creates an empty registry. runner may be nil when sessions
// are not needed.
func NewRegistry(runner SessionRunner) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		runner:  runner,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// OnTransition registers fn to receive the transitions of every device
// added afterwards and of every device already registered.
func (r *Registry) OnTransition(fn func(device.Transition)) {
	r.sinkMu.Lock()
	r.sinks = append(r.sinks, fn)
	r.sinkMu.Unlock()
}

// Add registers dev under name. The device is not initialised.
func (r *Registry) Add(name string, dev device.Device, opts ...EntryOption) error {
	if name == "" || dev == nil {
		return fmt.Errorf("registry: name and device are required")
	}
	e := &entry{Entry: Entry{
		Name:   name,
		Origin: OriginLocal,
		Reason: "not initialised",
		Device: dev,
	}}
	for _, opt := range opts {
		opt(&e.Entry)
	}

	// Check and insert under one lock
	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, name)
	}
	r.entries[name] = e
	r.order = append(r.order, name)
	r.mu.Unlock()

	if obs, ok := dev.(device.Observable); ok {
		cancel := obs.Subscribe(func(t device.Transition) { r.observe(name, t) })
		r.mu.Lock()
		e.unsubscribe = cancel
		r.mu.Unlock()
	}

	r.logger.Debug("device registered", "device", name, "origin", e.Origin)
	return nil
}

// observe tracks faults and forwards transitions to the sinks.
func (r *Registry) observe(name string, t device.Transition) {
	if t.To == device.StateFaulted {
		r.markUnavailable(name, "faulted: "+t.Reason)
		r.logger.Warn("device faulted", "device", name, "reason", t.Reason)
	}

	r.sinkMu.RLock()
	sinks := slices.Clone(r.sinks)
	r.sinkMu.RUnlock()
	for _, fn := range sinks {
		fn(t)
	}
}

// Remove shuts the device down and unregisters it. The entry is removed
// first, so the name can be reused even if the shutdown fails.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	delete(r.entries, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.mu.Unlock()

	err := e.Device.Shutdown(ctx)
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	r.logger.Info("device removed", "device", name)
	return nil
}

// Get returns an available device.
func (r *Registry) Get(name string) (device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	if !e.Available {
		return nil, fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, name, e.Reason)
	}
	return e.Device, nil
}

// Lookup returns the entry for name whether or not it is available.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return e.Entry, nil
}

// List returns every entry in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Entry)
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) markAvailable(name string, class device.Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.Available = true
		e.Reason = ""
		if class != "" {
			e.Class = class
		}
	}
}

func (r *Registry) markUnavailable(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.Available = false
		e.Reason = reason
	}
}

// InitializeAll initialises every registered device concurrently. A device
// that fails is marked unavailable; the others are not affected. The
// returned error joins every failure.
func (r *Registry) InitializeAll(ctx context.Context) error {
	names := r.Names()

	var mu sync.Mutex
	var failures []error

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := r.initialize(ctx, name); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // failures are collected above

	available := 0
	for _, e := range r.List() {
		if e.Available {
			available++
		}
	}
	r.logger.Info("devices initialised", "available", available, "total", len(names))
	return errors.Join(failures...)
}

// Reinitialize shuts a device down and initialises it again. On success the
// device is available again.
func (r *Registry) Reinitialize(ctx context.Context, name string) error {
	e, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if err := e.Device.Shutdown(ctx); err != nil {
		r.logger.Warn("shutdown before reinitialise failed", "device", name, "error", err)
	}
	return r.initialize(ctx, name)
}

// Shutdown releases one device's hardware and marks it unavailable until
// it is reinitialised.
func (r *Registry) Shutdown(ctx context.Context, name string) error {
	e, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if err := e.Device.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down %s: %w", name, err)
	}
	r.markUnavailable(name, "shut down")
	r.logger.Info("device shut down", "device", name)
	return nil
}

func (r *Registry) initialize(ctx context.Context, name string) error {
	e, err := r.Lookup(name)
	if err != nil {
		return err
	}

	// Stays unavailable until every step below succeeds
	if err := e.Device.Initialize(ctx); err != nil {
		r.markUnavailable(name, err.Error())
		r.logger.Warn("device unavailable", "device", name, "error", err)
		return fmt.Errorf("initialising %s: %w", name, err)
	}

	desc, err := e.Device.Describe(ctx)
	if err != nil {
		r.markUnavailable(name, err.Error())
		return fmt.Errorf("describing %s: %w", name, err)
	}
	if err := r.applyInitial(ctx, e, desc); err != nil {
		r.markUnavailable(name, err.Error())
		return err
	}

	r.markAvailable(name, desc.Class)
	r.logger.Debug("device available", "device", name, "class", desc.Class)
	return nil
}

func (r *Registry) applyInitial(ctx context.Context, e Entry, desc device.Descriptor) error {
	if len(e.Initial) == 0 {
		return nil
	}
	changes := make(map[string]device.Value, len(e.Initial))
	for name, raw := range e.Initial {
		sd, ok := desc.Setting(name)
		if !ok {
			return fmt.Errorf("initial settings of %s: %w: no setting %q", e.Name, device.ErrUnsupportedOperation, name)
		}
		v, err := device.Coerce(sd, raw)
		if err != nil {
			return fmt.Errorf("initial settings of %s: %w", e.Name, err)
		}
		changes[name] = v
	}
	if err := e.Device.SetSettings(ctx, changes); err != nil {
		return fmt.Errorf("initial settings of %s: %w", e.Name, err)
	}
	if err := e.Device.Flush(ctx); err != nil {
		return fmt.Errorf("initial settings of %s: %w", e.Name, err)
	}
	return nil
}

// ShutdownAll shuts every device down in reverse registration order, so
// controller sub-devices close before their controller.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	names := r.Names()
	var errs []error
	for _, name := range slices.Backward(names) {
		e, err := r.Lookup(name)
		if err != nil {
			continue
		}
		if err := e.Device.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down %s: %w", name, err))
		}
		r.markUnavailable(name, "shut down")
	}
	return errors.Join(errs...)
}

// Close releases transition subscriptions set up by Build. It does not
// shut devices down; see ShutdownAll.
func (r *Registry) Close() {
	r.stopMu.Lock()
	stops := r.stops
	r.stops = nil
	r.stopMu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

func (r *Registry) onClose(stop func()) {
	r.stopMu.Lock()
	r.stops = append(r.stops, stop)
	r.stopMu.Unlock()
}

// ─── Dependencies ──────────────────────────────────────────────────

// AddDependency registers a constraint between two settings. Both devices
// must be registered.
func (r *Registry) AddDependency(d Dependency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range []Ref{d.Left, d.Right} {
		if _, ok := r.entries[ref.Device]; !ok {
			return fmt.Errorf("%w: %s: unknown device %q", ErrInvalidDependency, d, ref.Device)
		}
	}
	r.deps = append(r.deps, d)
	return nil
}

// Dependencies returns the registered constraints.
func (r *Registry) Dependencies() []Dependency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.deps)
}

// Change is one setting update in a batch.
type Change struct {
	Device  string       `json:"device"`
	Setting string       `json:"setting"`
	Value   device.Value `json:"value"`
}

// Set validates one setting change against the descriptor and every
// dependency, then stages and applies it. A violated dependency leaves
// every device untouched.
//
// Parameters:
//   - name: registered device name
//   - setting: setting name from the device's descriptor
//   - v: new value; an int is accepted for a float setting
//
// Returns:
//   - ErrDeviceNotFound or ErrDeviceUnavailable for the device
//   - *DependencyViolationError (Is device.ErrDependencyViolation)
//   - the device's own error if staging or flushing fails
func (r *Registry) Set(ctx context.Context, name, setting string, v device.Value) error {
	return r.Apply(ctx, []Change{{Device: name, Setting: setting, Value: v}})
}

// Apply validates a batch of changes as one prospective configuration and
// then applies them device by device. Changes that only hold together
// (raising a pulse width and an exposure at once) are accepted.
//
// Apply is all or nothing:
//   - every target is checked for a frozen configuration before anything
//     is staged, so a busy device leaves the batch unapplied
//   - if a later device fails, devices already changed get their previous
//     values back
//
// Batches that touch a declared dependency are serialised, so two callers
// cannot each pass the check against the other's old value.
func (r *Registry) Apply(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	b, err := r.prepare(ctx, changes)
	if err != nil {
		return err
	}

	if r.touchesDependency(b.prospective) {
		r.depMu.Lock()
		defer r.depMu.Unlock()
	}

	// Refuse busy devices up front
	for _, name := range b.order {
		if err := checkWritable(ctx, name, b.devs[name], b.cold[name]); err != nil {
			return err
		}
	}

	if err := r.checkDependencies(ctx, b.prospective); err != nil {
		return err
	}

	previous, err := b.snapshot(ctx)
	if err != nil {
		return err
	}

	for i, name := range b.order {
		dev := b.devs[name]
		err := dev.SetSettings(ctx, b.values[name])
		if err != nil {
			err = fmt.Errorf("setting %s: %w", name, err)
		} else if err = flushIfDirty(ctx, dev); err != nil {
			err = fmt.Errorf("applying %s: %w", name, err)
		}
		if err != nil {
			// The failing device may hold staged values too
			r.restore(ctx, b, previous, b.order[:i+1])
			return err
		}
	}
	r.logger.Debug("settings applied", "changes", len(changes))
	return nil
}

// batch is a validated set of changes grouped by device.
type batch struct {
	order       []string
	devs        map[string]device.Device
	values      map[string]map[string]device.Value
	cold        map[string][]string // settings that cannot change while frozen
	prospective map[Ref]device.Value
}

// prepare resolves and validates every change without touching a device.
func (r *Registry) prepare(ctx context.Context, changes []Change) (*batch, error) {
	b := &batch{
		devs:        make(map[string]device.Device),
		values:      make(map[string]map[string]device.Value),
		cold:        make(map[string][]string),
		prospective: make(map[Ref]device.Value, len(changes)),
	}
	for _, c := range changes {
		dev, ok := b.devs[c.Device]
		if !ok {
			var err error
			if dev, err = r.Get(c.Device); err != nil {
				return nil, err
			}
			b.devs[c.Device] = dev
			b.values[c.Device] = make(map[string]device.Value)
		}
		v, sd, err := validateChange(ctx, dev, c)
		if err != nil {
			return nil, err
		}
		b.prospective[Ref{Device: c.Device, Setting: c.Setting}] = v
		b.values[c.Device][c.Setting] = v
		if !sd.HotSwap {
			b.cold[c.Device] = append(b.cold[c.Device], c.Setting)
		}
	}
	b.order = slices.Sorted(maps.Keys(b.devs))
	return b, nil
}

// snapshot reads the current value of every setting in the batch.
func (b *batch) snapshot(ctx context.Context) (map[string]map[string]device.Value, error) {
	prev := make(map[string]map[string]device.Value, len(b.values))
	for _, name := range b.order {
		prev[name] = make(map[string]device.Value, len(b.values[name]))
		for setting := range b.values[name] {
			v, err := b.devs[name].GetSetting(ctx, setting)
			if err != nil {
				return nil, fmt.Errorf("reading %s.%s: %w", name, setting, err)
			}
			prev[name][setting] = v
		}
	}
	return prev, nil
}

// restore puts previous values back on names, best effort.
func (r *Registry) restore(ctx context.Context, b *batch, previous map[string]map[string]device.Value, names []string) {
	ctx = context.WithoutCancel(ctx)
	for _, name := range slices.Backward(names) {
		dev := b.devs[name]
		if err := dev.SetSettings(ctx, previous[name]); err != nil {
			r.logger.Warn("restoring settings failed", "device", name, "error", err)
			continue
		}
		if err := flushIfDirty(ctx, dev); err != nil {
			r.logger.Warn("restoring settings failed", "device", name, "error", err)
			continue
		}
		r.logger.Info("settings restored after failed batch", "device", name)
	}
}

// checkWritable rejects a device whose configuration is frozen for any of
// the cold settings, or which is shutting down.
func checkWritable(ctx context.Context, name string, dev device.Device, cold []string) error {
	st, err := dev.Status(ctx)
	if err != nil {
		return fmt.Errorf("status of %s: %w", name, err)
	}
	switch {
	case st.State == device.StateShuttingDown:
		return fmt.Errorf("%w: %s is shutting down", device.ErrInvalidState, name)
	case st.State.Frozen() && len(cold) > 0:
		return fmt.Errorf("%w: %s: %s cannot change while %s", device.ErrDeviceBusy, name, strings.Join(cold, ", "), st.State)
	}
	return nil
}

func (r *Registry) touchesDependency(prospective map[Ref]device.Value) bool {
	for _, d := range r.Dependencies() {
		for ref := range prospective {
			if d.Touches(ref) {
				return true
			}
		}
	}
	return false
}

func validateChange(ctx context.Context, dev device.Device, c Change) (device.Value, device.SettingDescriptor, error) {
	desc, err := dev.Describe(ctx)
	if err != nil {
		return device.Value{}, device.SettingDescriptor{}, fmt.Errorf("describing %s: %w", c.Device, err)
	}
	sd, ok := desc.Setting(c.Setting)
	if !ok {
		return device.Value{}, sd, fmt.Errorf("%w: %s has no setting %q", device.ErrUnsupportedOperation, c.Device, c.Setting)
	}
	v := c.Value
	if sd.Type == device.TypeFloat && v.Type() == device.TypeInt {
		v = device.Float(v.AsFloat())
	}
	if err := sd.ValidateWrite(v); err != nil {
		return device.Value{}, sd, fmt.Errorf("%s: %w", c.Device, err)
	}
	return v, sd, nil
}

// checkDependencies evaluates every dependency touching a changed setting
// against the prospective values, reading the rest from the devices.
func (r *Registry) checkDependencies(ctx context.Context, prospective map[Ref]device.Value) error {
	for _, d := range r.Dependencies() {
		touched := false
		for ref := range prospective {
			if d.Touches(ref) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}

		left, err := r.valueOf(ctx, d.Left, prospective)
		if err != nil {
			return fmt.Errorf("checking %s: %w", d, err)
		}
		right, err := r.valueOf(ctx, d.Right, prospective)
		if err != nil {
			return fmt.Errorf("checking %s: %w", d, err)
		}
		ok, err := d.Holds(left, right)
		if err != nil {
			return err
		}
		if !ok {
			return &DependencyViolationError{Dependency: d, Left: left, Right: right}
		}
	}
	return nil
}

func (r *Registry) valueOf(ctx context.Context, ref Ref, prospective map[Ref]device.Value) (device.Value, error) {
	if v, ok := prospective[ref]; ok {
		return v, nil
	}
	dev, err := r.Get(ref.Device)
	if err != nil {
		return device.Value{}, err
	}
	return dev.GetSetting(ctx, ref.Setting)
}

// flushIfDirty flushes staged settings. Hot-swapped settings written
// during an acquisition leave nothing to flush.
func flushIfDirty(ctx context.Context, dev device.Device) error {
	st, err := dev.Status(ctx)
	if err != nil {
		return err
	}
	if len(st.Dirty) == 0 {
		return nil
	}
	return dev.Flush(ctx)
}

// ─── Sessions ──────────────────────────────────────────────────────

// RunSession resolves the named devices and runs a coordinated
// acquisition across them.
func (r *Registry) RunSession(ctx context.Context, names []string, plan session.Plan) (*session.Result, error) {
	if r.runner == nil {
		return nil, ErrNoCoordinator
	}
	participants := make([]device.Device, 0, len(names))
	// All names must resolve before any device is touched
	for _, name := range names {
		dev, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		participants = append(participants, dev)
	}
	return r.runner.Run(ctx, participants, plan)
}
