package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
	"github.com/nerrad567/microscope-core/internal/drivers/sim"
)

// ─── Test Helpers ───────────────────────────────────────────────────

const testHost = "bench-1"

func fastRetry() ProxyOption {
	return WithRetry(RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
}

// newHost builds an exporter with one simulated camera and returns the
// camera's state machine for direct comparison.
func newHost(t *testing.T, params drivers.Params) (*Exporter, *device.Machine) {
	t.Helper()
	cam, err := sim.NewCamera(params)
	require.NoError(t, err)
	m := device.NewMachine("camera", cam)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	exp := NewExporter(testHost)
	exp.Add(m)
	return exp, m
}

// countingTransport counts calls per op.
type countingTransport struct {
	inner Transport
	mu    sync.Mutex
	calls map[Op]int
}

func newCounting(inner Transport) *countingTransport {
	return &countingTransport{inner: inner, calls: make(map[Op]int)}
}

func (c *countingTransport) Call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	c.calls[req.Op]++
	c.mu.Unlock()
	return c.inner.Call(ctx, req)
}

func (c *countingTransport) count(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// lossyTransport executes every request but loses the first response for
// one op, as if the reply was dropped on the way back.
type lossyTransport struct {
	inner Transport
	op    Op

	mu   sync.Mutex
	lost bool
	ids  []string
}

func (l *lossyTransport) Call(ctx context.Context, req Request) (Response, error) {
	resp, err := l.inner.Call(ctx, req)
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.Op == l.op {
		l.ids = append(l.ids, req.ID)
		if !l.lost {
			l.lost = true
			return Response{}, ErrLinkDown
		}
	}
	return resp, err
}

// heldTransport delays the first reply for one op until release is
// closed. The request itself has already run on the host.
type heldTransport struct {
	inner   Transport
	op      Op
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func (h *heldTransport) Call(ctx context.Context, req Request) (Response, error) {
	resp, err := h.inner.Call(ctx, req)
	if req.Op == h.op {
		h.once.Do(func() {
			close(h.held)
			<-h.release
		})
	}
	return resp, err
}

// ─── Proxy Tests ────────────────────────────────────────────────────

func TestProxyRoundTripMatchesDirectDevice(t *testing.T) {
	exp, direct := newHost(t, nil)
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, NewLoopback(exp), fastRetry())
	ctx := context.Background()

	require.NoError(t, p.Initialize(ctx))
	assert.Equal(t, device.StateIdle, p.State())
	assert.Equal(t, "cam", p.ID())

	require.NoError(t, p.SetSetting(ctx, "exposure", device.Float(0.5)))
	viaProxy, err := p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	viaDevice, err := direct.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.True(t, viaProxy.Equal(viaDevice), "proxy %v, device %v", viaProxy, viaDevice)
	assert.InDelta(t, 0.5, viaProxy.AsFloat(), 1e-9)

	desc, err := p.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.ClassCamera, desc.Class)

	settings, err := p.EnumerateSettings(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, settings)

	st, err := p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cam", st.ID)
	assert.Equal(t, []string{"exposure"}, st.Dirty)
	assert.Equal(t, testHost+"/camera", st.Details["remote"])
}

func TestProxyPreservesErrorKinds(t *testing.T) {
	exp, _ := newHost(t, nil)
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, NewLoopback(exp), fastRetry())
	ctx := context.Background()

	err := p.SetSetting(ctx, "exposure", device.Float(1))
	assert.ErrorIs(t, err, device.ErrNotInitialized)

	require.NoError(t, p.Initialize(ctx))

	err = p.SetSetting(ctx, "exposure", device.Float(7))
	assert.NoError(t, err, "7s is inside the simulated camera range")
	err = p.SetSetting(ctx, "exposure", device.Float(70))
	assert.ErrorIs(t, err, device.ErrInvalidSettingValue)

	err = p.SetSetting(ctx, "focus", device.Float(1))
	assert.ErrorIs(t, err, device.ErrUnsupportedOperation)

	err = p.PrepareTrigger(ctx, device.TriggerSpec{})
	assert.ErrorIs(t, err, device.ErrSettingsNotApplied)

	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.PrepareTrigger(ctx, device.TriggerSpec{}))
	assert.Equal(t, device.StateArmed, p.State())

	err = p.SetSetting(ctx, "exposure", device.Float(0.2))
	require.ErrorIs(t, err, device.ErrDeviceBusy)
	assert.NotErrorIs(t, err, device.ErrRemoteUnavailable)
	assert.Equal(t, device.KindDeviceBusy, device.KindOf(err))

	var remoteErr *Error
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, device.KindDeviceBusy, remoteErr.Kind)

	require.NoError(t, p.Abort(ctx))
	require.NoError(t, p.Abort(ctx))
	assert.Equal(t, device.StateIdle, p.State())
}

func TestProxyLinkFailureIsRemoteUnavailable(t *testing.T) {
	exp, direct := newHost(t, nil)
	loop := NewLoopback(exp)
	counting := newCounting(loop)
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, counting, fastRetry())
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	loop.SetFailure(func(Request) error { return errors.New("cable unplugged") })

	err := p.SetSetting(ctx, "exposure", device.Float(0.3))
	require.ErrorIs(t, err, device.ErrRemoteUnavailable)
	assert.NotErrorIs(t, err, device.ErrDeviceBusy)
	assert.Equal(t, 3, counting.count(OpSetSetting), "bounded retries")

	v, err := direct.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, v.AsFloat(), 1e-9, "nothing reached the device")
}

func TestProxyRetryDoesNotRepeatTrigger(t *testing.T) {
	exp, direct := newHost(t, nil)
	lossy := &lossyTransport{inner: NewLoopback(exp), op: OpTrigger}
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, lossy, fastRetry())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.PrepareTrigger(ctx, device.TriggerSpec{Type: device.TriggerOnce}))
	require.NoError(t, p.Trigger(ctx), "replayed trigger reports the first result")
	require.NoError(t, p.Wait(ctx))

	require.Len(t, lossy.ids, 2)
	assert.Equal(t, lossy.ids[0], lossy.ids[1], "retry reuses the request id")

	frames, err := direct.GetSetting(ctx, "frames_acquired")
	require.NoError(t, err)
	assert.Equal(t, int64(1), frames.AsInt())
}

func TestProxySnapshotCache(t *testing.T) {
	exp, _ := newHost(t, nil)
	counting := newCounting(NewLoopback(exp))
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, counting, fastRetry(), WithCacheTTL(time.Second))
	clock := time.Now()
	p.now = func() time.Time { return clock }
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	_, err := p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	_, err = p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.Equal(t, 1, counting.count(OpGetSetting), "second read served from cache")

	require.NoError(t, p.SetSetting(ctx, "exposure", device.Float(0.02)))
	v, err := p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, v.AsFloat(), 1e-9)
	assert.Equal(t, 2, counting.count(OpGetSetting), "set invalidates the entry")

	clock = clock.Add(2 * time.Second)
	_, err = p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.Equal(t, 3, counting.count(OpGetSetting), "expired entry is refreshed")

	_, _ = p.GetSetting(ctx, "temperature")
	_, _ = p.GetSetting(ctx, "temperature")
	assert.Equal(t, 5, counting.count(OpGetSetting), "read-only values are never cached")

	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.PrepareTrigger(ctx, device.TriggerSpec{}))
	_, err = p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.Equal(t, 6, counting.count(OpGetSetting), "no cache outside Idle")
	require.NoError(t, p.Abort(ctx))
}

func TestProxyLateReadDoesNotOverwriteSet(t *testing.T) {
	exp, direct := newHost(t, nil)
	held := &heldTransport{inner: NewLoopback(exp), op: OpGetSetting, held: make(chan struct{}), release: make(chan struct{})}
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, held, fastRetry(), WithCacheTTL(time.Minute))
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	stale := make(chan device.Value, 1)
	go func() {
		v, err := p.GetSetting(ctx, "exposure")
		assert.NoError(t, err)
		stale <- v
	}()
	<-held.held

	require.NoError(t, p.SetSetting(ctx, "exposure", device.Float(0.5)))
	close(held.release)
	assert.InDelta(t, 0.01, (<-stale).AsFloat(), 1e-9, "in-flight read answers with the old value")

	got, err := p.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	want, err := direct.GetSetting(ctx, "exposure")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.AsFloat(), 1e-9)
	assert.True(t, want.Equal(got), "proxy %v, direct %v", got, want)
}

func TestProxyCacheDisabled(t *testing.T) {
	exp, _ := newHost(t, nil)
	counting := newCounting(NewLoopback(exp))
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, counting, WithCacheTTL(0))
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	for range 3 {
		_, err := p.GetSetting(ctx, "gain")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, counting.count(OpGetSetting))
}

func TestProxyPublishesTransitions(t *testing.T) {
	exp, direct := newHost(t, nil)
	loop := NewLoopback(exp)
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, loop, fastRetry())

	var mu sync.Mutex
	var seen []device.Transition
	cancel := p.Subscribe(func(tr device.Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})
	defer cancel()

	stop, err := loop.SubscribeTransitions(testHost, p.Observe)
	require.NoError(t, err)
	defer stop()

	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	mu.Lock()
	require.NotEmpty(t, seen)
	assert.Equal(t, "cam", seen[0].Device)
	assert.Equal(t, device.StateIdle, seen[len(seen)-1].To)
	mu.Unlock()

	// The far side shuts down without going through the proxy.
	require.NoError(t, direct.Shutdown(ctx))
	assert.Equal(t, device.StateUninitialized, p.State())
	_, err = p.Describe(ctx)
	assert.ErrorIs(t, err, device.ErrNotInitialized, "descriptor is not served from a stale cache")
}

func TestProxyCancelledArmIsUndone(t *testing.T) {
	exp, direct := newHost(t, drivers.Params{"faults": map[string]any{"hang_arm": true}})
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, NewLoopback(exp), fastRetry())
	require.NoError(t, p.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.PrepareTrigger(ctx, device.TriggerSpec{})
	require.ErrorIs(t, err, device.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		return direct.State() == device.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

// ─── Exporter Tests ─────────────────────────────────────────────────

func TestExporterRejectsBadRequests(t *testing.T) {
	exp, _ := newHost(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want device.Kind
	}{
		{"unknown device", Request{Device: "laser", Op: OpStatus}, device.KindUnsupportedOperation},
		{"wrong host", Request{Host: "bench-9", Device: "camera", Op: OpStatus}, device.KindUnsupportedOperation},
		{"unknown op", Request{Device: "camera", Op: "reboot"}, device.KindUnsupportedOperation},
		{"set without value", Request{Device: "camera", Op: OpSetSetting, Setting: "gain"}, device.KindInvalidSettingValue},
		{"arm without spec", Request{Device: "camera", Op: OpPrepareTrigger}, device.KindUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := exp.Handle(ctx, tt.req)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.want, resp.Error.Kind)
		})
	}
}

func TestExporterReplaysByRequestID(t *testing.T) {
	exp, direct := newHost(t, nil)
	ctx := context.Background()
	require.NoError(t, direct.Initialize(ctx))

	req := Request{ID: "req-1", Host: testHost, Device: "camera", Op: OpSetSetting, Setting: "gain", Value: ptr(device.Int(10))}
	first := exp.Handle(ctx, req)
	require.Nil(t, first.Error)

	require.NoError(t, direct.SetSetting(ctx, "gain", device.Int(20)))

	second := exp.Handle(ctx, req)
	assert.Equal(t, first, second)
	v, err := direct.GetSetting(ctx, "gain")
	require.NoError(t, err)
	assert.Equal(t, int64(20), v.AsInt(), "replayed request was not executed again")
}

func TestReplayCacheEvictsOldest(t *testing.T) {
	c := newReplayCache(2)
	for _, id := range []string{"a", "b", "c"} {
		e, owner := c.begin(id)
		require.True(t, owner)
		c.complete(e, Response{RequestID: id})
	}
	assert.Equal(t, 2, c.len())

	_, owner := c.begin("a")
	assert.True(t, owner, "evicted id executes again")
	e, owner := c.begin("c")
	assert.False(t, owner)
	assert.Equal(t, "c", e.resp.RequestID)
}

func TestWireErrorRoundTrip(t *testing.T) {
	for _, sentinel := range []error{
		device.ErrInvalidSettingValue,
		device.ErrUnsupportedOperation,
		device.ErrDeviceBusy,
		device.ErrDeviceInitError,
		device.ErrSettingsNotApplied,
		device.ErrDependencyViolation,
		device.ErrPartialSessionFailure,
		device.ErrDeviceFaulted,
	} {
		wrapped := errors.Join(sentinel, errors.New("detail"))
		back := EncodeError(wrapped).Err()
		assert.ErrorIs(t, back, sentinel)
		assert.Equal(t, wrapped.Error(), back.Error())
	}

	internal := EncodeError(errors.New("disk full")).Err()
	assert.Equal(t, device.KindInternal, device.KindOf(internal))
	assert.Nil(t, EncodeError(nil))
}

func ptr[T any](v T) *T { return &v }
