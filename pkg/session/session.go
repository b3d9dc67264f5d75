package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/ports"
)

// DefaultMaxMessageSize bounds one encoded message.
const DefaultMaxMessageSize = 4096

const defaultLockTTL = 10 * time.Minute

// Session is a single bridge connection. It is not safe for concurrent use:
// each session is owned by exactly one driver or worker handle. State may be
// read from any goroutine.
type Session struct {
	transport ports.Transport
	codec     *codec.Codec
	buf       []byte

	receiveTimeout time.Duration
	retryTimeout   bool

	locker  ports.Locker
	lockTTL time.Duration
	unlock  ports.UnlockFunc

	logger *slog.Logger

	role       domain.Role
	address    string
	state      atomic.Int32
	identified bool
	peerPID    int
	sentStop   bool
	recvStop   bool
	err        error

	closeOnce sync.Once
	closeErr  error
}

// Option configures the Session.
type Option func(*Session)

// WithMaxMessageSize sets the receive buffer size.
func WithMaxMessageSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.buf = make([]byte, n)
		}
	}
}

// WithReceiveTimeout bounds every receive. Expiry is a SessionTimeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.receiveTimeout = d
	}
}

// WithTimeoutRetry lets one expired receive be resumed once before the
// timeout becomes fatal. Nothing is resent.
func WithTimeoutRetry(retry bool) Option {
	return func(s *Session) {
		s.retryTimeout = retry
	}
}

// WithLocker claims the address through locker before opening and releases it on Close.
func WithLocker(locker ports.Locker, ttl time.Duration) Option {
	return func(s *Session) {
		s.locker = locker
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New creates an unconnected session.
func New(transport ports.Transport, c *codec.Codec, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		codec:     c,
		buf:       make([]byte, DefaultMaxMessageSize),
		lockTTL:   defaultLockTTL,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Role returns the side this session plays.
func (s *Session) Role() domain.Role { return s.role }

// Address returns the transport address given to Open.
func (s *Session) Address() string { return s.address }

// Kind returns the transport binding.
func (s *Session) Kind() domain.TransportKind { return s.transport.Kind() }

// Ports returns the port declaration messages are validated against.
func (s *Session) Ports() *domain.PortSet { return s.codec.Ports() }

// State returns the connection state.
func (s *Session) State() domain.ConnState { return domain.ConnState(s.state.Load()) }

// PeerPID returns the pid received in the handshake (responder side).
func (s *Session) PeerPID() int { return s.peerPID }

// Err returns the sticky fatal error, if any.
func (s *Session) Err() error { return s.err }

// Terminated reports whether a terminal message was sent or received.
func (s *Session) Terminated() bool { return s.sentStop || s.recvStop }

// MaxMessageSize returns the receive buffer size.
func (s *Session) MaxMessageSize() int { return len(s.buf) }

// Open binds (Responder) or connects (Initiator) the transport.
// On failure the session ends Closed.
func (s *Session) Open(ctx context.Context, role domain.Role, address string) error {
	if s.State() != domain.StateUnconnected {
		return s.fail(domain.Errorf(domain.CodeProtocolViolation, "open", "session is %s", s.State()))
	}
	s.role, s.address = role, address

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, address, s.lockTTL)
		if err != nil {
			err = s.fail(domain.NewError(domain.CodeTransportSetupFailed, "lock", err).At(address))
			_ = s.Close()
			return err
		}
		s.unlock = unlock
	}

	if role == domain.Responder {
		s.state.Store(int32(domain.StateBinding))
	} else {
		s.state.Store(int32(domain.StateConnecting))
	}

	if err := s.transport.Open(ctx, role, address); err != nil {
		if _, ok := domain.CodeOf(err); !ok {
			err = domain.NewError(domain.CodeTransportSetupFailed, "open", err).At(address)
		}
		err = s.fail(err)
		_ = s.Close()
		return err
	}

	s.state.Store(int32(domain.StateConnected))
	s.logger.Debug("session connected", "role", role, "transport", s.transport.Kind(), "address", address)
	return nil
}

// Identify sends the handshake. Only the initiator calls it, once, first.
func (s *Session) Identify(ctx context.Context, pid int) error {
	if err := s.usable("identify"); err != nil {
		return err
	}
	if s.role != domain.Initiator {
		return s.fail(domain.Errorf(domain.CodeProtocolViolation, "identify", "only the initiator sends the handshake"))
	}
	if s.identified {
		return s.fail(domain.Errorf(domain.CodeProtocolViolation, "identify", "handshake already sent"))
	}

	data, err := codec.EncodeHandshake(domain.Handshake{PID: pid})
	if err != nil {
		return s.fail(err)
	}
	if err := s.transport.Send(ctx, data); err != nil {
		return s.fail(err)
	}
	s.identified = true
	s.logger.Debug("handshake sent", "pid", pid, "address", s.address)
	return nil
}

// AwaitIdentity receives the handshake and records the peer pid.
// Only the responder calls it, once, before any tick.
func (s *Session) AwaitIdentity(ctx context.Context) (int, error) {
	if err := s.usable("await identity"); err != nil {
		return 0, err
	}
	if s.role != domain.Responder {
		return 0, s.fail(domain.Errorf(domain.CodeProtocolViolation, "await identity", "only the responder receives the handshake"))
	}
	if s.identified {
		return 0, s.fail(domain.Errorf(domain.CodeProtocolViolation, "await identity", "handshake already received"))
	}

	data, err := s.receive(ctx)
	if err != nil {
		return 0, err
	}
	if codec.Classify(data) == codec.PayloadTick {
		return 0, s.fail(domain.Errorf(domain.CodeProtocolViolation, "await identity", "tick received before handshake"))
	}
	h, err := codec.DecodeHandshake(data)
	if err != nil {
		return 0, s.fail(err)
	}

	s.identified = true
	s.peerPID = h.PID
	s.logger.Debug("handshake received", "pid", h.PID, "address", s.address)
	return h.PID, nil
}

// SendTick encodes and sends msg. Only ports of the session's outbound
// direction may be set.
func (s *Session) SendTick(ctx context.Context, msg domain.TickMessage) error {
	if err := s.ready("send tick"); err != nil {
		return err
	}

	data, err := s.codec.EncodeTick(msg, s.role.Outbound())
	if err != nil {
		return s.fail(err)
	}
	if len(data) > len(s.buf) {
		return s.fail(domain.Errorf(domain.CodeMalformedMessage, "send tick",
			"encoded tick of %d bytes exceeds max message size %d", len(data), len(s.buf)))
	}
	if err := s.transport.Send(ctx, data); err != nil {
		return s.fail(err)
	}
	if !msg.Alive {
		s.sentStop = true
	}
	return nil
}

// ReceiveTick receives and validates one tick from the peer.
func (s *Session) ReceiveTick(ctx context.Context) (domain.TickMessage, error) {
	if err := s.ready("receive tick"); err != nil {
		return domain.TickMessage{}, err
	}

	data, err := s.receive(ctx)
	if err != nil {
		return domain.TickMessage{}, err
	}
	if codec.Classify(data) == codec.PayloadHandshake {
		return domain.TickMessage{}, s.fail(domain.Errorf(domain.CodeProtocolViolation, "receive tick", "handshake received mid-run"))
	}
	msg, err := s.codec.DecodeTick(data, s.role.Inbound())
	if err != nil {
		return domain.TickMessage{}, s.fail(err)
	}
	if !msg.Alive {
		s.recvStop = true
	}
	return msg, nil
}

// Close moves the session to Closed from any state. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(domain.StateClosed))
		var errs []error
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.unlock != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.unlock(ctx); err != nil {
				s.logger.Warn("Failed to release address lock (will expire via TTL)",
					"address", s.address,
					"err", err,
				)
			}
			cancel()
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("session closed", "address", s.address)
	})
	return s.closeErr
}

func (s *Session) receive(ctx context.Context) ([]byte, error) {
	attempts := 1
	if s.retryTimeout {
		attempts = 2
	}
	for i := 1; ; i++ {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if s.receiveTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, s.receiveTimeout)
		}
		n, err := s.transport.Receive(rctx, s.buf)
		cancel()
		if err == nil {
			return s.buf[:n], nil
		}
		if errors.Is(err, domain.ErrSessionTimeout) && i < attempts {
			s.logger.Warn("receive timed out, retrying", "address", s.address, "timeout", s.receiveTimeout)
			continue
		}
		return nil, s.fail(err)
	}
}

// usable checks the session is connected and has not failed.
func (s *Session) usable(op string) error {
	if s.err != nil {
		return s.err
	}
	if st := s.State(); st != domain.StateConnected {
		return domain.Errorf(domain.CodeProtocolViolation, op, "session is %s", st)
	}
	return nil
}

// ready additionally requires a completed handshake and a live exchange.
func (s *Session) ready(op string) error {
	if err := s.usable(op); err != nil {
		return err
	}
	if !s.identified {
		return s.fail(domain.Errorf(domain.CodeProtocolViolation, op, "handshake not completed"))
	}
	if s.Terminated() {
		return s.fail(domain.Errorf(domain.CodeProtocolViolation, op, "exchange already terminated"))
	}
	return nil
}

func (s *Session) fail(err error) error {
	if s.err == nil {
		if _, ok := domain.CodeOf(err); !ok {
			err = domain.NewError(domain.CodeTransportFailed, "session", err)
		}
		s.err = fmt.Errorf("session %s: %w", s.address, err)
	}
	return s.err
}
