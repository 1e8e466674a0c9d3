package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
)

const (
	// DefaultMaxCallDuration bounds requests that carry no deadline.
	DefaultMaxCallDuration = 5 * time.Minute

	// DefaultReplayLimit is the number of request ids remembered.
	DefaultReplayLimit = 1024
)

// Logger defines the logging interface used by the remote package.
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

// stateReporter is implemented by devices that expose their state without
// a Status round trip (device.Machine does).
type stateReporter interface {
	State() device.State
}

// Exporter serves local devices to remote proxies. It dispatches requests
// by device id and remembers recent responses so a retried request is
// replayed rather than executed twice.
type Exporter struct {
	host    string
	maxCall time.Duration
	logger  Logger
	replay  *replayCache

	mu      sync.RWMutex
	devices map[string]device.Device
	unsub   map[string]func()
	sinks   []func(device.Transition)
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithExporterLogger sets the exporter logger.
func WithExporterLogger(l Logger) ExporterOption {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMaxCallDuration bounds operations whose request has no deadline.
func WithMaxCallDuration(d time.Duration) ExporterOption {
	return func(e *Exporter) {
		if d > 0 {
			e.maxCall = d
		}
	}
}

// WithReplayLimit sets how many responses are kept for replay.
func WithReplayLimit(n int) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.replay = newReplayCache(n)
		}
	}
}

// NewExporter creates an exporter for host.
func NewExporter(host string, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		host:    host,
		maxCall: DefaultMaxCallDuration,
		logger:  noopLogger{},
		replay:  newReplayCache(DefaultReplayLimit),
		devices: make(map[string]device.Device),
		unsub:   make(map[string]func()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Host returns the host name requests are addressed to.
func (e *Exporter) Host() string { return e.host }

// Add exports d under its id, replacing any device with the same id.
func (e *Exporter) Add(d device.Device) {
	id := d.ID()
	e.Remove(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices[id] = d
	if obs, ok := d.(device.Observable); ok {
		e.unsub[id] = obs.Subscribe(e.emit)
	}
}

// Remove stops exporting the device with id.
func (e *Exporter) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.unsub[id]; ok {
		cancel()
		delete(e.unsub, id)
	}
	delete(e.devices, id)
}

// Devices returns the exported device ids, sorted.
func (e *Exporter) Devices() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnTransition registers fn to receive every transition of every exported
// observable device.
func (e *Exporter) OnTransition(fn func(device.Transition)) {
	e.mu.Lock()
	e.sinks = append(e.sinks, fn)
	e.mu.Unlock()
}

func (e *Exporter) emit(t device.Transition) {
	e.mu.RLock()
	sinks := slices.Clone(e.sinks)
	e.mu.RUnlock()
	for _, fn := range sinks {
		fn(t)
	}
}

func (e *Exporter) lookup(id string) (device.Device, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.devices[id]
	return d, ok
}

// Handle executes req and returns the response to send back. A request id
// seen before returns the recorded response; if the first execution is
// still running, Handle waits for it.
func (e *Exporter) Handle(ctx context.Context, req Request) Response {
	if req.ID == "" {
		return e.execute(ctx, req)
	}

	entry, owner := e.replay.begin(req.ID)
	if !owner {
		e.logger.Debug("replaying request", "request_id", req.ID, "device", req.Device, "op", req.Op)
		select {
		case <-entry.done:
			return entry.resp
		case <-ctx.Done():
			return e.respond(req, fmt.Errorf("%w: waiting for replay: %w", device.ErrDeviceBusy, ctx.Err()))
		}
	}

	resp := e.execute(ctx, req)
	e.replay.complete(entry, resp)
	return resp
}

func (e *Exporter) execute(ctx context.Context, req Request) Response {
	if req.Host != "" && req.Host != e.host {
		return e.respond(req, fmt.Errorf("%w: request for host %q reached %q",
			device.ErrUnsupportedOperation, req.Host, e.host))
	}
	d, ok := e.lookup(req.Device)
	if !ok {
		return e.respond(req, fmt.Errorf("%w: unknown device %q on host %s",
			device.ErrUnsupportedOperation, req.Device, e.host))
	}

	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
	} else {
		ctx, cancel = context.WithTimeout(ctx, e.maxCall)
	}
	defer cancel()

	resp := Response{RequestID: req.ID, Device: req.Device}
	err := e.dispatch(ctx, d, req, &resp)
	if err != nil && device.KindOf(err) == device.KindInternal {
		e.logger.Warn("exported operation failed", "device", req.Device, "op", req.Op, "error", err)
	}
	resp.Error = EncodeError(err)
	resp.State = currentState(ctx, d)
	return resp
}

func (e *Exporter) dispatch(ctx context.Context, d device.Device, req Request, resp *Response) error {
	switch req.Op {
	case OpInitialize:
		if err := d.Initialize(ctx); err != nil {
			return err
		}
		desc, err := d.Describe(ctx)
		if err != nil {
			return err
		}
		resp.Descriptor = &desc
		return nil
	case OpShutdown:
		return d.Shutdown(ctx)
	case OpDescribe:
		desc, err := d.Describe(ctx)
		if err != nil {
			return err
		}
		resp.Descriptor = &desc
		return nil
	case OpEnumerateSettings:
		settings, err := d.EnumerateSettings(ctx)
		resp.Settings = settings
		return err
	case OpGetSetting:
		v, err := d.GetSetting(ctx, req.Setting)
		if err != nil {
			return err
		}
		resp.Value = &v
		return nil
	case OpSetSetting:
		if req.Value == nil {
			return fmt.Errorf("%w: %s: missing value", device.ErrInvalidSettingValue, req.Setting)
		}
		return d.SetSetting(ctx, req.Setting, *req.Value)
	case OpSetSettings:
		return d.SetSettings(ctx, req.Values)
	case OpFlush:
		return d.Flush(ctx)
	case OpPrepareTrigger:
		if req.Trigger == nil {
			return fmt.Errorf("%w: prepare_trigger without a trigger spec", device.ErrUnsupportedOperation)
		}
		return d.PrepareTrigger(ctx, *req.Trigger)
	case OpTrigger:
		return d.Trigger(ctx)
	case OpWait:
		return d.Wait(ctx)
	case OpAbort:
		return d.Abort(ctx)
	case OpStatus:
		st, err := d.Status(ctx)
		if err != nil {
			return err
		}
		resp.Status = &st
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", device.ErrUnsupportedOperation, req.Op)
	}
}

func (e *Exporter) respond(req Request, err error) Response {
	return Response{RequestID: req.ID, Device: req.Device, Error: EncodeError(err)}
}

func currentState(ctx context.Context, d device.Device) device.State {
	if sr, ok := d.(stateReporter); ok {
		return sr.State()
	}
	st, err := d.Status(context.WithoutCancel(ctx))
	if err != nil {
		return ""
	}
	return st.State
}

// ─── Replay cache ──────────────────────────────────────────────────

type replayEntry struct {
	done chan struct{}
	resp Response
}

// replayCache remembers the responses of the last limit request ids.
type replayCache struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*replayEntry
	order   []string
}

func newReplayCache(limit int) *replayCache {
	return &replayCache{limit: limit, entries: make(map[string]*replayEntry)}
}

// begin returns the entry for id. owner is true when the caller must
// execute the request and complete the entry.
func (c *replayCache) begin(id string) (entry *replayEntry, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e, false
	}
	e := &replayEntry{done: make(chan struct{})}
	c.entries[id] = e
	c.order = append(c.order, id)
	for len(c.order) > c.limit {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return e, true
}

func (c *replayCache) complete(e *replayEntry, resp Response) {
	e.resp = resp
	close(e.done)
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
