package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/microscope-core/internal/device"
)

// ErrLinkDown is wrapped by transports when a request could not be
// delivered or no reply arrived.
var ErrLinkDown = errors.New("remote: link down")

// Transport carries requests to an exporter. A returned error always means
// the link failed; device errors travel inside the Response.
type Transport interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// TransitionSource delivers transitions published by an exporter.
type TransitionSource interface {
	SubscribeTransitions(host string, fn func(device.Transition)) (cancel func(), err error)
}

// Loopback is an in-process Transport around an Exporter. Requests and
// responses pass through the JSON codec as they would on a real link.
type Loopback struct {
	exporter *Exporter

	mu   sync.Mutex
	fail func(Request) error
	subs map[int]func(device.Transition)
	next int
}

// NewLoopback connects a transport directly to exp.
func NewLoopback(exp *Exporter) *Loopback {
	l := &Loopback{exporter: exp, subs: make(map[int]func(device.Transition))}
	exp.OnTransition(l.deliver)
	return l
}

// SetFailure installs a hook consulted before every call. A non-nil error
// from the hook is reported as a link failure.
func (l *Loopback) SetFailure(fn func(Request) error) {
	l.mu.Lock()
	l.fail = fn
	l.mu.Unlock()
}

// Call implements Transport.
func (l *Loopback) Call(ctx context.Context, req Request) (Response, error) {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		if err := fail(req); err != nil {
			return Response{}, fmt.Errorf("%w: %w", ErrLinkDown, err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}
	decoded, err := DecodeRequest(payload)
	if err != nil {
		return Response{}, err
	}

	resp := l.exporter.Handle(ctx, decoded)
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrLinkDown, err)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return Response{}, fmt.Errorf("encoding response: %w", err)
	}
	return DecodeResponse(out)
}

// SubscribeTransitions implements TransitionSource. The host argument is
// ignored; a loopback reaches exactly one exporter.
func (l *Loopback) SubscribeTransitions(_ string, fn func(device.Transition)) (func(), error) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}, nil
}

func (l *Loopback) deliver(t device.Transition) {
	l.mu.Lock()
	fns := make([]func(device.Transition), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}
