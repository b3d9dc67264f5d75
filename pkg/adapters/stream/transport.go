// Package stream implements ports.Transport over Unix-domain stream sockets.
//
// The responder binds a filesystem path, accepts exactly one peer and removes
// the path on Close. The initiator connects, optionally retrying until the
// responder has bound.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/domain"
)

// Transport implements ports.Transport over a Unix stream socket.
type Transport struct {
	framer    Framer
	dialRetry time.Duration
	logger    *slog.Logger

	role     domain.Role
	address  string
	listener *net.UnixListener
	conn     *net.UnixConn

	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures the Transport.
type Option func(*Transport)

// WithFramer selects the message framing. Defaults to LengthPrefix.
func WithFramer(f Framer) Option {
	return func(t *Transport) {
		if f != nil {
			t.framer = f
		}
	}
}

// WithDialRetry makes the initiator retry a refused or missing socket at the
// given interval until its context ends. Zero disables retries.
func WithDialRetry(d time.Duration) Option {
	return func(t *Transport) {
		t.dialRetry = d
	}
}

// WithLogger configures a logger for the Transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates an unopened stream transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		framer: LengthPrefix{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind identifies the binding.
func (t *Transport) Kind() domain.TransportKind { return domain.TransportStream }

// Framer returns the framing in use.
func (t *Transport) Framer() Framer { return t.framer }

// Open binds and accepts (Responder) or connects (Initiator).
func (t *Transport) Open(ctx context.Context, role domain.Role, address string) error {
	if t.conn != nil || t.listener != nil {
		return domain.Errorf(domain.CodeTransportSetupFailed, "open", "already open").At(address)
	}
	if t.closed.Load() {
		return domain.Errorf(domain.CodeTransportSetupFailed, "open", "transport closed").At(address)
	}
	t.role, t.address = role, address

	if role == domain.Responder {
		return t.bind(ctx)
	}
	return t.connect(ctx)
}

func (t *Transport) bind(ctx context.Context) error {
	if err := removeStale(t.address); err != nil {
		return domain.NewError(domain.CodeTransportSetupFailed, "bind", err).At(t.address)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: t.address, Net: "unix"})
	if err != nil {
		return domain.NewError(domain.CodeTransportSetupFailed, "bind", err).At(t.address)
	}
	l.SetUnlinkOnClose(true)
	t.listener = l
	t.logger.Debug("stream bound", "address", t.address, "framing", t.framer.Name())

	stop := context.AfterFunc(ctx, func() {
		_ = l.SetDeadline(time.Now())
	})
	conn, err := l.AcceptUnix()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		_ = t.Close()
		return domain.NewError(domain.CodeTransportSetupFailed, "accept", err).At(t.address)
	}
	t.conn = conn
	t.logger.Debug("stream accepted", "address", t.address)
	return nil
}

func (t *Transport) connect(ctx context.Context) error {
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "unix", t.address)
		if err == nil {
			t.conn = c.(*net.UnixConn)
			t.logger.Debug("stream connected", "address", t.address, "framing", t.framer.Name())
			return nil
		}
		if t.dialRetry <= 0 || !retryable(err) {
			return domain.NewError(domain.CodeTransportSetupFailed, "connect", err).At(t.address)
		}

		select {
		case <-ctx.Done():
			return domain.NewError(domain.CodeTransportSetupFailed, "connect", errors.Join(ctx.Err(), err)).At(t.address)
		case <-time.After(t.dialRetry):
		}
	}
}

// Send writes one framed message.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if t.conn == nil || t.closed.Load() {
		return domain.Errorf(domain.CodeTransportFailed, "send", "transport not open").At(t.address)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := t.framer.WriteFrame(t.conn, payload); err != nil {
		return domain.NewError(domain.CodeTransportFailed, "send", err).At(t.address)
	}
	return nil
}

// Receive reads one framed message into buf.
//
// An expired deadline with no bytes consumed is a SessionTimeout and the
// connection stays usable. Any failure mid-frame is fatal.
func (t *Transport) Receive(ctx context.Context, buf []byte) (int, error) {
	if t.conn == nil || t.closed.Load() {
		return 0, domain.Errorf(domain.CodeTransportFailed, "receive", "transport not open").At(t.address)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	n, err := t.framer.ReadFrame(t.conn, buf)
	stop()
	_ = t.conn.SetReadDeadline(time.Time{})

	if err == nil {
		return n, nil
	}
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return 0, domain.NewError(domain.CodeMalformedMessage, "receive", err).At(t.address)
	case errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, ErrShortFrame):
		if errors.Is(ctx.Err(), context.Canceled) {
			return 0, domain.NewError(domain.CodeTransportFailed, "receive", ctx.Err()).At(t.address)
		}
		return 0, domain.NewError(domain.CodeSessionTimeout, "receive", err).At(t.address)
	case errors.Is(err, io.EOF):
		return 0, domain.NewError(domain.CodeTransportFailed, "receive", fmt.Errorf("peer closed: %w", err)).At(t.address)
	default:
		return 0, domain.NewError(domain.CodeTransportFailed, "receive", err).At(t.address)
	}
}

// Close closes the connection and, on the responder, removes the socket path.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.conn != nil {
			if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if t.listener != nil {
			if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
			if err := os.Remove(t.address); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			t.logger.Debug("stream unlinked", "address", t.address)
		}
	})
	return errors.Join(errs...)
}

// removeStale deletes a socket file nobody is accepting on. A live socket is
// left alone and reported as in use.
func removeStale(path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
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

func retryable(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}
