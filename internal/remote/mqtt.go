package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/infrastructure/mqtt"
)

// MQTTClient is the part of the MQTT client the remote package uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTTransport sends requests to device hosts over MQTT. Replies arrive on
// a per-client reply topic and are matched to callers by request id.
type MQTTTransport struct {
	client  MQTTClient
	qos     byte
	replyTo string

	mu      sync.Mutex
	pending map[string]chan Response
}

// NewMQTTTransport subscribes to the reply topic for clientID.
func NewMQTTTransport(client MQTTClient, clientID string, qos byte) (*MQTTTransport, error) {
	t := &MQTTTransport{
		client:  client,
		qos:     qos,
		replyTo: mqtt.Topics{}.RPCReply(clientID),
		pending: make(map[string]chan Response),
	}
	if err := client.Subscribe(t.replyTo, qos, t.handleReply); err != nil {
		return nil, fmt.Errorf("subscribing to replies: %w", err)
	}
	return t, nil
}

// Call implements Transport.
func (t *MQTTTransport) Call(ctx context.Context, req Request) (Response, error) {
	req.ReplyTo = t.replyTo
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	ch := make(chan Response, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.pending[req.ID] == ch {
			delete(t.pending, req.ID)
		}
		t.mu.Unlock()
	}()

	if err := t.client.Publish(mqtt.Topics{}.RPCRequest(req.Host), payload, t.qos, false); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrLinkDown, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: no reply from %s: %w", ErrLinkDown, req.Host, ctx.Err())
	}
}

func (t *MQTTTransport) handleReply(_ string, payload []byte) error {
	resp, err := DecodeResponse(payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ch, ok := t.pending[resp.RequestID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

// SubscribeTransitions implements TransitionSource.
func (t *MQTTTransport) SubscribeTransitions(host string, fn func(device.Transition)) (func(), error) {
	topic := mqtt.Topics{}.HostTransitions(host)
	err := t.client.Subscribe(topic, t.qos, func(_ string, payload []byte) error {
		var tr device.Transition
		if err := json.Unmarshal(payload, &tr); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		fn(tr)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to transitions of %s: %w", host, err)
	}
	return func() { _ = t.client.Unsubscribe(topic) }, nil
}

// Close stops receiving replies.
func (t *MQTTTransport) Close() error {
	return t.client.Unsubscribe(t.replyTo)
}

// MQTTServer exposes an Exporter over MQTT.
type MQTTServer struct {
	client MQTTClient
	exp    *Exporter
	qos    byte
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	// mu orders accepting a request against Close, so wg.Add never
	// races wg.Wait.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// ServeMQTT subscribes to the request topic of exp's host and answers each
// request on its reply topic. Requests run concurrently so a long Wait
// does not hold up other devices.
func ServeMQTT(ctx context.Context, client MQTTClient, exp *Exporter, qos byte, logger Logger) (*MQTTServer, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &MQTTServer{client: client, exp: exp, qos: qos, logger: logger}
	s.ctx, s.cancel = context.WithCancel(ctx)

	exp.OnTransition(s.publishTransition)

	if err := client.Subscribe(mqtt.Topics{}.RPCRequest(exp.Host()), qos, s.handleRequest); err != nil {
		s.cancel()
		return nil, fmt.Errorf("subscribing to requests: %w", err)
	}
	s.publishStatus(mqtt.StatusOnline)
	return s, nil
}

func (s *MQTTServer) handleRequest(_ string, payload []byte) error {
	if s.closed.Load() {
		return nil
	}
	req, err := DecodeRequest(payload)
	if err != nil {
		return err
	}
	if req.ReplyTo == "" {
		return fmt.Errorf("%w: request %s without reply topic", ErrMalformed, req.ID)
	}

	if !s.begin() {
		return nil
	}
	go func() {
		defer s.wg.Done()
		resp := s.exp.Handle(s.ctx, req)
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("encoding response failed", "request_id", req.ID, "error", err)
			return
		}
		if err := s.client.Publish(req.ReplyTo, out, s.qos, false); err != nil {
			s.logger.Warn("publishing response failed", "request_id", req.ID, "device", req.Device, "error", err)
		}
	}()
	return nil
}

func (s *MQTTServer) publishTransition(t device.Transition) {
	if s.closed.Load() {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	topic := mqtt.Topics{}.DeviceTransition(s.exp.Host(), t.Device)
	if err := s.client.Publish(topic, payload, s.qos, false); err != nil {
		s.logger.Warn("publishing transition failed", "device", t.Device, "error", err)
	}
}

func (s *MQTTServer) publishStatus(status string) {
	payload := mqtt.Status{
		State:     status,
		Host:      s.exp.Host(),
		Devices:   s.exp.Devices(),
		Timestamp: time.Now().UTC(),
	}.Encode()
	if err := s.client.Publish(mqtt.Topics{}.HostStatus(s.exp.Host()), payload, s.qos, true); err != nil {
		s.logger.Warn("publishing host status failed", "error", err)
	}
}

// Close stops serving, waits for in-flight requests and publishes an
// offline status.
func (s *MQTTServer) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.mu.Unlock()

	err := s.client.Unsubscribe(mqtt.Topics{}.RPCRequest(s.exp.Host()))
	s.cancel()
	s.wg.Wait()
	s.publishStatus(mqtt.StatusOffline)
	return err
}

// begin registers an in-flight request, or reports false once closed.
func (s *MQTTServer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}
