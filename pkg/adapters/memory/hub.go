// Package memory provides in-process adapters: a channel-backed Transport for
// tests and in-process runs, and a Locker.
package memory

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aretw0/sigbridge/pkg/domain"
)

const queueDepth = 16

// Hub is the in-process address space shared by the transports it creates.
// Safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*endpoint)}
}

// Transport returns a new, unopened transport attached to the hub.
func (h *Hub) Transport() *Transport {
	return &Transport{hub: h}
}

type endpoint struct {
	bound     chan struct{}
	connected chan struct{}
	done      chan struct{}
	toResp    chan []byte
	toInit    chan []byte

	responder bool
	initiator bool
	closeOnce sync.Once
}

func newEndpoint() *endpoint {
	return &endpoint{
		bound:     make(chan struct{}),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		toResp:    make(chan []byte, queueDepth),
		toInit:    make(chan []byte, queueDepth),
	}
}

func (e *endpoint) shutdown() {
	e.closeOnce.Do(func() { close(e.done) })
}

// claim registers one side on address and returns the shared endpoint.
func (h *Hub) claim(role domain.Role, address string) (*endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[address]
	if !ok {
		ep = newEndpoint()
		h.endpoints[address] = ep
	}
	switch role {
	case domain.Responder:
		if ep.responder {
			return nil, errors.New("address already bound")
		}
		ep.responder = true
		close(ep.bound)
	default:
		if ep.initiator {
			return nil, errors.New("address already has a connected peer")
		}
		ep.initiator = true
	}
	return ep, nil
}

func (h *Hub) release(address string, ep *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[address] == ep {
		delete(h.endpoints, address)
	}
}

// Transport implements ports.Transport over Go channels.
type Transport struct {
	hub     *Hub
	role    domain.Role
	address string
	ep      *endpoint
	closed  atomic.Bool
}

// Kind identifies the binding.
func (t *Transport) Kind() domain.TransportKind { return domain.TransportMemory }

// Open binds (Responder) or connects (Initiator). The responder returns once a
// peer has connected, mirroring accept on a stream socket.
func (t *Transport) Open(ctx context.Context, role domain.Role, address string) error {
	if t.ep != nil {
		return domain.Errorf(domain.CodeTransportSetupFailed, "open", "already open").At(address)
	}
	ep, err := t.hub.claim(role, address)
	if err != nil {
		return domain.NewError(domain.CodeTransportSetupFailed, "bind", err).At(address)
	}
	t.role, t.address, t.ep = role, address, ep

	if role == domain.Responder {
		select {
		case <-ep.connected:
			return nil
		case <-ctx.Done():
			_ = t.Close()
			return domain.NewError(domain.CodeTransportSetupFailed, "accept", ctx.Err()).At(address)
		}
	}

	select {
	case <-ep.bound:
		close(ep.connected)
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return domain.NewError(domain.CodeTransportSetupFailed, "connect", ctx.Err()).At(address)
	}
}

func (t *Transport) queues() (in, out chan []byte) {
	if t.role == domain.Responder {
		return t.ep.toResp, t.ep.toInit
	}
	return t.ep.toInit, t.ep.toResp
}

// Send queues one message for the peer.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if t.ep == nil || t.closed.Load() {
		return domain.Errorf(domain.CodeTransportFailed, "send", "transport not open").At(t.address)
	}
	_, out := t.queues()
	msg := make([]byte, len(payload))
	copy(msg, payload)

	select {
	case <-t.ep.done:
		return domain.NewError(domain.CodeTransportFailed, "send", io.ErrClosedPipe).At(t.address)
	default:
	}
	select {
	case out <- msg:
		return nil
	case <-t.ep.done:
		return domain.NewError(domain.CodeTransportFailed, "send", io.ErrClosedPipe).At(t.address)
	case <-ctx.Done():
		return domain.NewError(domain.CodeTransportFailed, "send", ctx.Err()).At(t.address)
	}
}

// Receive takes the next message. Messages queued before the peer closed are
// still delivered; after that the peer's close reads as EOF.
func (t *Transport) Receive(ctx context.Context, buf []byte) (int, error) {
	if t.ep == nil || t.closed.Load() {
		return 0, domain.Errorf(domain.CodeTransportFailed, "receive", "transport not open").At(t.address)
	}
	in, _ := t.queues()

	select {
	case msg := <-in:
		return t.deliver(msg, buf)
	default:
	}
	select {
	case msg := <-in:
		return t.deliver(msg, buf)
	case <-t.ep.done:
		select {
		case msg := <-in:
			return t.deliver(msg, buf)
		default:
		}
		return 0, domain.NewError(domain.CodeTransportFailed, "receive", io.EOF).At(t.address)
	case <-ctx.Done():
		return 0, receiveCanceled(ctx).At(t.address)
	}
}

func (t *Transport) deliver(msg, buf []byte) (int, error) {
	if len(msg) > len(buf) {
		return 0, domain.Errorf(domain.CodeMalformedMessage, "receive",
			"message of %d bytes exceeds %d byte buffer", len(msg), len(buf)).At(t.address)
	}
	return copy(buf, msg), nil
}

// Close shuts both directions down and frees the address.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.ep == nil {
		return nil
	}
	t.ep.shutdown()
	t.hub.release(t.address, t.ep)
	return nil
}

func receiveCanceled(ctx context.Context) *domain.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.CodeSessionTimeout, "receive", ctx.Err())
	}
	return domain.NewError(domain.CodeTransportFailed, "receive", ctx.Err())
}
