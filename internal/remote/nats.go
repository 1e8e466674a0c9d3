package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/infrastructure/nats"
)

// NATSTransport sends requests to device hosts with NATS request/reply.
type NATSTransport struct {
	conn *natsgo.Conn
}

// NewNATSTransport wraps an established connection.
func NewNATSTransport(conn *natsgo.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Call implements Transport.
func (t *NATSTransport) Call(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}
	msg, err := t.conn.RequestWithContext(ctx, nats.Subjects{}.RPC(req.Host), payload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %w", ErrLinkDown, req.Host, err)
	}
	return DecodeResponse(msg.Data)
}

// SubscribeTransitions implements TransitionSource.
func (t *NATSTransport) SubscribeTransitions(host string, fn func(device.Transition)) (func(), error) {
	sub, err := t.conn.Subscribe(nats.Subjects{}.HostTransitions(host), func(msg *natsgo.Msg) {
		var tr device.Transition
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			return
		}
		fn(tr)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to transitions of %s: %w", host, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// NATSServer exposes an Exporter over NATS.
type NATSServer struct {
	conn   *natsgo.Conn
	exp    *Exporter
	sub    *natsgo.Subscription
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	// mu orders accepting a request against Close, so wg.Add never
	// races wg.Wait.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// ServeNATS answers requests for exp's host. Exporters for the same host
// join one queue group.
func ServeNATS(ctx context.Context, conn *natsgo.Conn, exp *Exporter, logger Logger) (*NATSServer, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &NATSServer{conn: conn, exp: exp, logger: logger}
	s.ctx, s.cancel = context.WithCancel(ctx)

	exp.OnTransition(s.publishTransition)

	sub, err := conn.QueueSubscribe(nats.Subjects{}.RPC(exp.Host()), nats.QueueGroup, s.handleRequest)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("subscribing to requests: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *NATSServer) handleRequest(msg *natsgo.Msg) {
	if s.closed.Load() {
		return
	}
	req, err := DecodeRequest(msg.Data)
	if err != nil {
		s.logger.Warn("dropping malformed request", "subject", msg.Subject, "error", err)
		return
	}

	if !s.begin() {
		return
	}
	go func() {
		defer s.wg.Done()
		resp := s.exp.Handle(s.ctx, req)
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("encoding response failed", "request_id", req.ID, "error", err)
			return
		}
		if err := msg.Respond(out); err != nil {
			s.logger.Warn("sending response failed", "request_id", req.ID, "device", req.Device, "error", err)
		}
	}()
}

func (s *NATSServer) publishTransition(t device.Transition) {
	if s.closed.Load() {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.conn.Publish(nats.Subjects{}.Transition(s.exp.Host(), t.Device), payload); err != nil {
		s.logger.Warn("publishing transition failed", "device", t.Device, "error", err)
	}
}

// Close stops serving and waits for in-flight requests.
func (s *NATSServer) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.mu.Unlock()

	err := s.sub.Unsubscribe()
	s.cancel()
	s.wg.Wait()
	return err
}

// begin registers an in-flight request, or reports false once closed.
func (s *NATSServer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}
