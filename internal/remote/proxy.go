package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Proxy defaults.
const (
	DefaultCallTimeout     = 5 * time.Second
	DefaultCacheTTL        = 2 * time.Second
	DefaultMaxTries        = 4
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second

	// lateAbortTimeout bounds the abort sent after a cancelled arm.
	lateAbortTimeout = 5 * time.Second
)

// RetryPolicy controls retries of link failures.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxTries == 0 {
		r.MaxTries = DefaultMaxTries
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = DefaultInitialInterval
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = DefaultMaxInterval
	}
	return r
}

// Address locates a device behind a link.
type Address struct {
	Host   string
	Device string
}

func (a Address) String() string { return a.Host + "/" + a.Device }

type cacheEntry struct {
	value device.Value
	at    time.Time
}

// Proxy is a local stand-in for a device on another host. It implements
// device.Device and device.Observable with the same semantics as a local
// state machine: device errors from the far side keep their kind, and a
// failed link is reported as device.ErrRemoteUnavailable.
//
// GetSetting is answered from a snapshot cache while the device was last
// seen Idle, the entry was confirmed by a response, and it is younger than
// the cache TTL. Any SetSetting through the proxy drops the entry before
// the request is sent and again when it returns; a read reply that was in
// flight across a set is returned but not cached.
type Proxy struct {
	id        string
	addr      Address
	transport Transport
	retry     RetryPolicy
	timeout   time.Duration
	ttl       time.Duration
	logger    Logger
	now       func() time.Time

	mu    sync.Mutex
	state device.State
	desc  *device.Descriptor
	cache map[string]cacheEntry
	gen   uint64 // bumped whenever entries are dropped

	subMu sync.Mutex
	subs  map[int]func(device.Transition)
	next  int
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithRetry sets the retry policy for link failures.
func WithRetry(r RetryPolicy) ProxyOption {
	return func(p *Proxy) { p.retry = r.withDefaults() }
}

// WithCallTimeout bounds each attempt of every operation except Wait, which
// is bounded only by the caller's context.
func WithCallTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithCacheTTL sets the snapshot cache lifetime. Zero or less disables the
// cache.
func WithCacheTTL(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.ttl = d }
}

// WithProxyLogger sets the proxy logger.
func WithProxyLogger(l Logger) ProxyOption {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProxy creates a proxy named id for the device at addr.
func NewProxy(id string, addr Address, t Transport, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		id:        id,
		addr:      addr,
		transport: t,
		retry:     RetryPolicy{}.withDefaults(),
		timeout:   DefaultCallTimeout,
		ttl:       DefaultCacheTTL,
		logger:    noopLogger{},
		now:       time.Now,
		state:     device.StateUninitialized,
		cache:     make(map[string]cacheEntry),
		subs:      make(map[int]func(device.Transition)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID implements device.Device.
func (p *Proxy) ID() string { return p.id }

// Address returns where the proxied device lives.
func (p *Proxy) Address() Address { return p.addr }

// State returns the last state reported by the far side.
func (p *Proxy) State() device.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe implements device.Observable. Transitions are derived from
// response states and from Observe.
func (p *Proxy) Subscribe(fn func(device.Transition)) func() {
	p.subMu.Lock()
	id := p.next
	p.next++
	p.subs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// Observe feeds a transition published by the exporter into the proxy.
func (p *Proxy) Observe(t device.Transition) {
	if t.Device != p.addr.Device {
		return
	}
	p.observe(t.To, t.Reason)
}

// observe records the far-side state and notifies subscribers on change.
func (p *Proxy) observe(to device.State, reason string) {
	if to == "" {
		return
	}
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return
	}
	p.state = to
	switch to {
	case device.StateUninitialized, device.StateShuttingDown, device.StateFaulted:
		p.dropCacheLocked()
		p.desc = nil
	}
	p.mu.Unlock()

	t := device.Transition{Device: p.id, From: from, To: to, Reason: reason, At: p.now().UTC()}
	p.subMu.Lock()
	fns := make([]func(device.Transition), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

// call sends req, retrying link failures with exponential backoff. The
// request id stays the same across attempts. A device error in the
// response is returned as its reconstructed error alongside the response.
func (p *Proxy) call(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()
	req.Host = p.addr.Host
	req.Device = p.addr.Device
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retry.InitialInterval
	bo.MaxInterval = p.retry.MaxInterval

	attempt := func() (Response, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if req.Op != OpWait {
			callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		}
		defer cancel()

		req.SentAt = p.now().UTC()
		resp, err := p.transport.Call(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, backoff.Permanent(ctx.Err())
			}
			return Response{}, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(p.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("remote call failed, retrying",
				"device", p.id,
				"remote", p.addr.String(),
				"op", req.Op,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s (%s) %s: %w", device.ErrRemoteUnavailable, p.id, p.addr, req.Op, err)
	}

	p.observe(resp.State, string(req.Op))
	if resp.Error != nil {
		return resp, resp.Error.Err()
	}
	return resp, nil
}

// Initialize implements device.Device.
func (p *Proxy) Initialize(ctx context.Context) error {
	resp, err := p.call(ctx, Request{Op: OpInitialize})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.desc = resp.Descriptor
	p.dropCacheLocked()
	p.mu.Unlock()
	return nil
}

// Shutdown implements device.Device.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.dropCacheLocked()
	p.desc = nil
	p.mu.Unlock()
	_, err := p.call(ctx, Request{Op: OpShutdown})
	return err
}

// Describe implements device.Device. The descriptor is static while the
// device stays initialised, so it is fetched once.
func (p *Proxy) Describe(ctx context.Context) (device.Descriptor, error) {
	p.mu.Lock()
	if p.desc != nil {
		desc := *p.desc
		p.mu.Unlock()
		return desc, nil
	}
	p.mu.Unlock()

	resp, err := p.call(ctx, Request{Op: OpDescribe})
	if err != nil {
		return device.Descriptor{}, err
	}
	if resp.Descriptor == nil {
		return device.Descriptor{}, fmt.Errorf("remote: %s: describe returned no descriptor", p.id)
	}
	p.mu.Lock()
	p.desc = resp.Descriptor
	p.mu.Unlock()
	return *resp.Descriptor, nil
}

// EnumerateSettings implements device.Device.
func (p *Proxy) EnumerateSettings(ctx context.Context) ([]device.SettingDescriptor, error) {
	resp, err := p.call(ctx, Request{Op: OpEnumerateSettings})
	if err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// GetSetting implements device.Device.
func (p *Proxy) GetSetting(ctx context.Context, name string) (device.Value, error) {
	if v, ok := p.cached(name); ok {
		return v, nil
	}

	// A set issued while this read is in flight bumps the generation, so
	// the older reply is not cached over it.
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	resp, err := p.call(ctx, Request{Op: OpGetSetting, Setting: name})
	if err != nil {
		return device.Value{}, err
	}
	if resp.Value == nil {
		return device.Value{}, fmt.Errorf("remote: %s: get_setting %s returned no value", p.id, name)
	}
	p.store(name, *resp.Value, gen)
	return *resp.Value, nil
}

func (p *Proxy) cached(name string) (device.Value, bool) {
	if p.ttl <= 0 {
		return device.Value{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != device.StateIdle {
		return device.Value{}, false
	}
	e, ok := p.cache[name]
	if !ok || p.now().Sub(e.at) >= p.ttl {
		return device.Value{}, false
	}
	return e.value, true
}

// store caches a value read at generation gen. Read-only settings report
// live hardware values and are never cached.
func (p *Proxy) store(name string, v device.Value, gen uint64) {
	if p.ttl <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.desc == nil || p.state != device.StateIdle || p.gen != gen {
		return
	}
	if sd, ok := p.desc.Setting(name); !ok || sd.ReadOnly {
		return
	}
	p.cache[name] = cacheEntry{value: v, at: p.now()}
}

func (p *Proxy) invalidate(names ...string) {
	p.mu.Lock()
	for _, name := range names {
		delete(p.cache, name)
	}
	p.gen++
	p.mu.Unlock()
}

func (p *Proxy) dropCacheLocked() {
	clear(p.cache)
	p.gen++
}

// SetSetting implements device.Device.
func (p *Proxy) SetSetting(ctx context.Context, name string, v device.Value) error {
	// Once before for readers that follow, once after for reads that
	// overlapped the call.
	p.invalidate(name)
	defer p.invalidate(name)
	_, err := p.call(ctx, Request{Op: OpSetSetting, Setting: name, Value: &v})
	return err
}

// SetSettings implements device.Device.
func (p *Proxy) SetSettings(ctx context.Context, changes map[string]device.Value) error {
	names := slices.Collect(maps.Keys(changes))
	p.invalidate(names...)
	defer p.invalidate(names...)
	_, err := p.call(ctx, Request{Op: OpSetSettings, Values: changes})
	return err
}

// Flush implements device.Device.
func (p *Proxy) Flush(ctx context.Context) error {
	_, err := p.call(ctx, Request{Op: OpFlush})
	return err
}

// PrepareTrigger implements device.Device. If ctx ends before the far side
// answers, an abort is sent in the background so a late arm does not leave
// the remote device armed.
func (p *Proxy) PrepareTrigger(ctx context.Context, spec device.TriggerSpec) error {
	_, err := p.call(ctx, Request{Op: OpPrepareTrigger, Trigger: &spec})
	if err != nil && ctx.Err() != nil && errors.Is(err, device.ErrRemoteUnavailable) {
		go p.abortLateArm()
	}
	return err
}

func (p *Proxy) abortLateArm() {
	ctx, cancel := context.WithTimeout(context.Background(), lateAbortTimeout)
	defer cancel()
	req := Request{
		ID:     uuid.NewString(),
		Host:   p.addr.Host,
		Device: p.addr.Device,
		Op:     OpAbort,
		SentAt: p.now().UTC(),
	}
	resp, err := p.transport.Call(ctx, req)
	if err == nil && resp.Error != nil {
		err = resp.Error.Err()
	}
	if err != nil {
		p.logger.Warn("abort after cancelled arm failed", "device", p.id, "remote", p.addr.String(), "error", err)
		return
	}
	p.observe(resp.State, "arm cancelled")
}

// Trigger implements device.Device.
func (p *Proxy) Trigger(ctx context.Context) error {
	_, err := p.call(ctx, Request{Op: OpTrigger})
	return err
}

// Wait implements device.Device.
func (p *Proxy) Wait(ctx context.Context) error {
	_, err := p.call(ctx, Request{Op: OpWait})
	return err
}

// Abort implements device.Device.
func (p *Proxy) Abort(ctx context.Context) error {
	_, err := p.call(ctx, Request{Op: OpAbort})
	return err
}

// Status implements device.Device. The reported id is the local name; the
// far-side address is added to the details.
func (p *Proxy) Status(ctx context.Context) (device.Status, error) {
	resp, err := p.call(ctx, Request{Op: OpStatus})
	if err != nil {
		return device.Status{}, err
	}
	if resp.Status == nil {
		return device.Status{}, fmt.Errorf("remote: %s: status returned nothing", p.id)
	}
	st := *resp.Status
	st.ID = p.id
	if st.Details == nil {
		st.Details = make(map[string]any)
	}
	st.Details["remote"] = p.addr.String()
	return st, nil
}
