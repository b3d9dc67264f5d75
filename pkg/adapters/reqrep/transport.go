// Package reqrep implements ports.Transport over ZeroMQ REQ/REP sockets.
//
// The responder (orchestrator side) is REP and must receive before it may
// send; the initiator (worker side) is REQ and must send before it may
// receive. Out-of-turn calls fail with a ProtocolViolation before any I/O.
package reqrep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/go-zeromq/zmq4"
)

// BindMode decides which socket binds the endpoint.
type BindMode int

const (
	// Inverted: the REQ side (initiator) binds and the REP side connects.
	// This is what deployed peers expect.
	Inverted BindMode = iota
	// Conventional: the REP side binds and the REQ side connects.
	Conventional
)

func (m BindMode) String() string {
	if m == Conventional {
		return "conventional"
	}
	return "inverted"
}

// ParseBindMode maps a configuration name to a BindMode.
func ParseBindMode(s string) (BindMode, error) {
	switch s {
	case "", "inverted":
		return Inverted, nil
	case "conventional":
		return Conventional, nil
	default:
		return 0, fmt.Errorf("unknown bind mode %q (want inverted or conventional)", s)
	}
}

const defaultDialRetry = 50 * time.Millisecond

type result struct {
	msg zmq4.Msg
	err error
}

// Transport implements ports.Transport with a zmq4 REQ or REP socket.
type Transport struct {
	mode      BindMode
	dialRetry time.Duration
	logger    *slog.Logger

	role     domain.Role
	address  string
	binds    bool
	sock     zmq4.Socket
	cancel   context.CancelFunc
	sendNext bool
	sent     bool
	pending  chan result

	closeOnce sync.Once
	closed    bool
}

// Option configures the Transport.
type Option func(*Transport)

// WithBindMode selects which side binds. Defaults to Inverted.
func WithBindMode(m BindMode) Option {
	return func(t *Transport) {
		t.mode = m
	}
}

// WithDialRetry sets the reconnect interval of the connecting side and the
// wait between first-send attempts of the binding side.
func WithDialRetry(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialRetry = d
		}
	}
}

// WithLogger configures a logger for the Transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an unopened request/reply transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		mode:      Inverted,
		dialRetry: defaultDialRetry,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind identifies the binding.
func (t *Transport) Kind() domain.TransportKind { return domain.TransportReqRep }

// Open creates the socket for role and binds or connects according to the bind mode.
func (t *Transport) Open(ctx context.Context, role domain.Role, address string) error {
	if t.sock != nil {
		return domain.Errorf(domain.CodeTransportSetupFailed, "open", "already open").At(address)
	}
	if t.closed {
		return domain.Errorf(domain.CodeTransportSetupFailed, "open", "transport closed").At(address)
	}
	t.role, t.address = role, address

	// The socket outlives Open; only its setup is bound to ctx.
	sockCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	opts := []zmq4.Option{
		zmq4.WithDialerRetry(t.dialRetry),
		zmq4.WithDialerMaxRetries(-1),
	}
	if role == domain.Responder {
		t.sock = zmq4.NewRep(sockCtx, opts...)
		t.sendNext = false
	} else {
		t.sock = zmq4.NewReq(sockCtx, opts...)
		t.sendNext = true
	}
	t.cancel = cancel

	// REQ binds in inverted mode, REP binds in conventional mode.
	t.binds = (role == domain.Initiator) == (t.mode == Inverted)

	var err error
	if t.binds {
		if err = removeStaleIPC(address); err == nil {
			err = t.sock.Listen(address)
		}
	} else {
		stop := context.AfterFunc(ctx, cancel)
		err = t.sock.Dial(address)
		stop()
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
	}
	if err != nil {
		_ = t.Close()
		op := "connect"
		if t.binds {
			op = "bind"
		}
		return domain.NewError(domain.CodeTransportSetupFailed, op, err).At(address)
	}

	t.logger.Debug("reqrep open", "address", address, "role", role, "binds", t.binds, "mode", t.mode)
	return nil
}

// Send transmits one message. The REQ side must alternate send/receive starting
// with send; the REP side starting with receive.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if t.sock == nil || t.closed {
		return domain.Errorf(domain.CodeTransportFailed, "send", "transport not open").At(t.address)
	}
	if !t.sendNext {
		return domain.Errorf(domain.CodeProtocolViolation, "send",
			"%s must receive before sending again", t.socketName()).At(t.address)
	}

	msg := zmq4.NewMsg(append([]byte(nil), payload...))
	for {
		err := t.sock.Send(msg)
		if err == nil {
			break
		}
		// The binding side cannot deliver until its peer has connected.
		if !t.binds || t.sent {
			return domain.NewError(domain.CodeTransportFailed, "send", err).At(t.address)
		}
		select {
		case <-ctx.Done():
			return domain.NewError(domain.CodeTransportFailed, "send", errors.Join(ctx.Err(), err)).At(t.address)
		case <-time.After(t.dialRetry):
		}
	}
	t.sent = true
	t.sendNext = false
	return nil
}

// Receive reads one message into buf. A receive that outlives ctx is reported
// as a SessionTimeout and resumed by the next Receive call.
func (t *Transport) Receive(ctx context.Context, buf []byte) (int, error) {
	if t.sock == nil || t.closed {
		return 0, domain.Errorf(domain.CodeTransportFailed, "receive", "transport not open").At(t.address)
	}
	if t.sendNext {
		return 0, domain.Errorf(domain.CodeProtocolViolation, "receive",
			"%s must send before receiving", t.socketName()).At(t.address)
	}

	if t.pending == nil {
		ch := make(chan result, 1)
		sock := t.sock
		go func() {
			m, err := sock.Recv()
			ch <- result{msg: m, err: err}
		}()
		t.pending = ch
	}

	select {
	case r := <-t.pending:
		t.pending = nil
		if r.err != nil {
			return 0, domain.NewError(domain.CodeTransportFailed, "receive", r.err).At(t.address)
		}
		data := r.msg.Bytes()
		if len(data) > len(buf) {
			return 0, domain.Errorf(domain.CodeMalformedMessage, "receive",
				"message of %d bytes exceeds %d byte buffer", len(data), len(buf)).At(t.address)
		}
		t.sendNext = true
		return copy(buf, data), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, domain.NewError(domain.CodeSessionTimeout, "receive", ctx.Err()).At(t.address)
		}
		return 0, domain.NewError(domain.CodeTransportFailed, "receive", ctx.Err()).At(t.address)
	}
}

// Close closes the socket and removes the ipc path it bound, if any.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed = true
		if t.sock != nil {
			err = t.sock.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		if t.cancel != nil {
			t.cancel()
		}
		if t.binds {
			if path, ok := ipcPath(t.address); ok {
				if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
					err = errors.Join(err, rmErr)
				}
			}
		}
	})
	return err
}

func (t *Transport) socketName() string {
	if t.role == domain.Responder {
		return "REP"
	}
	return "REQ"
}

func ipcPath(endpoint string) (string, bool) {
	return strings.CutPrefix(endpoint, "ipc://")
}

// removeStaleIPC deletes an ipc socket file nobody is accepting on.
func removeStaleIPC(endpoint string) error {
	path, ok := ipcPath(endpoint)
	if !ok {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	c, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err == nil {
		_ = c.Close()
		return fmt.Errorf("address in use: %s", path)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		return err
	}
	return os.Remove(path)
}
