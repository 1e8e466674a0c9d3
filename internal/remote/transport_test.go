package remote

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/infrastructure/mqtt"
	natsinfra "github.com/nerrad567/microscope-core/internal/infrastructure/nats"
)

// ─── Mock Dependencies ──────────────────────────────────────────────

// fakeBroker is an in-memory MQTTClient. Messages are delivered
// synchronously to every matching subscription.
type fakeBroker struct {
	mu       sync.Mutex
	subs     map[string]mqtt.MessageHandler
	retained map[string][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:     make(map[string]mqtt.MessageHandler),
		retained: make(map[string][]byte),
	}
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	if retained {
		b.retained[topic] = payload
	}
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		_ = h(topic, payload)
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *fakeBroker) retainedPayload(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained[topic]
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// ─── MQTT Tests ─────────────────────────────────────────────────────

func TestMQTTRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	exp, direct := newHost(t, nil)

	srv, err := ServeMQTT(context.Background(), broker, exp, 1, nil)
	require.NoError(t, err)

	status, err := mqtt.DecodeStatus(broker.retainedPayload(mqtt.Topics{}.HostStatus(testHost)))
	require.NoError(t, err)
	assert.True(t, status.Online())
	assert.Equal(t, testHost, status.Host)
	assert.Equal(t, []string{"camera"}, status.Devices)

	tr, err := NewMQTTTransport(broker, "core-test", 1)
	require.NoError(t, err)
	defer tr.Close()

	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, tr, fastRetry())
	stop, err := tr.SubscribeTransitions(testHost, p.Observe)
	require.NoError(t, err)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.SetSetting(ctx, "gain", device.Int(12)))
	v, err := direct.GetSetting(ctx, "gain")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v.AsInt())

	err = p.SetSetting(ctx, "gain", device.Int(-5))
	assert.ErrorIs(t, err, device.ErrInvalidSettingValue)

	require.NoError(t, direct.Shutdown(ctx))
	assert.Equal(t, device.StateUninitialized, p.State(), "transition arrived over the broker")

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	status, err = mqtt.DecodeStatus(broker.retainedPayload(mqtt.Topics{}.HostStatus(testHost)))
	require.NoError(t, err)
	assert.Equal(t, mqtt.StatusOffline, status.State)
}

func TestMQTTNoServerIsRemoteUnavailable(t *testing.T) {
	broker := newFakeBroker()
	tr, err := NewMQTTTransport(broker, "core-test", 1)
	require.NoError(t, err)

	p := NewProxy("cam", Address{Host: "nowhere", Device: "camera"}, tr,
		fastRetry(), WithCallTimeout(20*time.Millisecond))
	err = p.Initialize(context.Background())
	assert.ErrorIs(t, err, device.ErrRemoteUnavailable)
	assert.Equal(t, device.StateUninitialized, p.State())
}

func TestMQTTServerRejectsMalformedRequests(t *testing.T) {
	broker := newFakeBroker()
	exp, _ := newHost(t, nil)
	srv, err := ServeMQTT(context.Background(), broker, exp, 1, nil)
	require.NoError(t, err)
	defer srv.Close()

	assert.ErrorIs(t, srv.handleRequest("", []byte("{")), ErrMalformed)

	noReply, err := json.Marshal(Request{ID: "x", Device: "camera", Op: OpStatus})
	require.NoError(t, err)
	assert.ErrorIs(t, srv.handleRequest("", noReply), ErrMalformed)
}

func TestMQTTServerCloseDuringRequests(t *testing.T) {
	broker := newFakeBroker()
	exp, _ := newHost(t, nil)
	srv, err := ServeMQTT(context.Background(), broker, exp, 1, nil)
	require.NoError(t, err)

	var replies sync.WaitGroup
	replies.Add(1)
	var mu sync.Mutex
	answered := 0
	require.NoError(t, broker.Subscribe("test/replies", 1, func(string, []byte) error {
		mu.Lock()
		answered++
		mu.Unlock()
		return nil
	}))

	req, err := json.Marshal(Request{ID: "r", Device: "camera", Op: OpStatus, ReplyTo: "test/replies"})
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		defer replies.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = srv.handleRequest("", req)
			}
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, srv.Close())
	close(stop)
	replies.Wait()

	mu.Lock()
	before := answered
	mu.Unlock()
	assert.NoError(t, srv.handleRequest("", req))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, before, answered, "requests after Close are not answered")
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

// ─── NATS Tests ─────────────────────────────────────────────────────

func runNATS(t *testing.T) *natsgo.Conn {
	t.Helper()
	srv, err := natsinfra.RunEmbedded(config.NATSEmbeddedConfig{Port: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := natsgo.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSRoundTrip(t *testing.T) {
	conn := runNATS(t)
	exp, direct := newHost(t, nil)

	srv, err := ServeNATS(context.Background(), conn, exp, nil)
	require.NoError(t, err)
	defer srv.Close()

	tr := NewNATSTransport(conn)
	p := NewProxy("cam", Address{Host: testHost, Device: "camera"}, tr, fastRetry())

	var mu sync.Mutex
	var states []device.State
	stop, err := tr.SubscribeTransitions(testHost, func(tr device.Transition) {
		mu.Lock()
		states = append(states, tr.To)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()
	require.NoError(t, conn.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.SetSetting(ctx, "exposure", device.Float(0.25)))
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.PrepareTrigger(ctx, device.TriggerSpec{}))
	require.NoError(t, p.Trigger(ctx))
	require.NoError(t, p.Wait(ctx))

	st, err := direct.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.StateIdle, st.State)
	assert.Equal(t, 1, st.Frames)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == device.StateIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNATSNoRespondersIsRemoteUnavailable(t *testing.T) {
	conn := runNATS(t)
	p := NewProxy("cam", Address{Host: "bench-9", Device: "camera"}, NewNATSTransport(conn), fastRetry())

	err := p.Initialize(context.Background())
	require.ErrorIs(t, err, device.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, ErrLinkDown)
}

func TestNATSServerCloseIsIdempotent(t *testing.T) {
	conn := runNATS(t)
	exp, _ := newHost(t, nil)

	srv, err := ServeNATS(context.Background(), conn, exp, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}
