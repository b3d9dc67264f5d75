package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sigbridge/pkg/adapters/memory"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inverterPorts = domain.MustPortSet(
	domain.UintPort("data_in", domain.In, 4),
	domain.UintPort("data_out", domain.Out, 4),
)

func newSession(hub *memory.Hub, opts ...session.Option) *session.Session {
	return session.New(hub.Transport(), codec.New(inverterPorts), opts...)
}

// connect opens an orchestrator-side and a worker-side session on addr.
func connect(t *testing.T, hub *memory.Hub, addr string, opts ...session.Option) (orch, work *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	orch, work = newSession(hub, opts...), newSession(hub, opts...)
	var wg sync.WaitGroup
	var orchErr error
	wg.Add(1)
	go func() { defer wg.Done(); orchErr = orch.Open(ctx, domain.Responder, addr) }()
	require.NoError(t, work.Open(ctx, domain.Initiator, addr))
	wg.Wait()
	require.NoError(t, orchErr)

	t.Cleanup(func() {
		_ = orch.Close()
		_ = work.Close()
	})
	return orch, work
}

func handshake(t *testing.T, orch, work *session.Session, pid int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, work.Identify(ctx, pid))
	got, err := orch.AwaitIdentity(ctx)
	require.NoError(t, err)
	require.Equal(t, pid, got)
}

func TestSession_InverterExchange(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "inv")
	ctx := context.Background()

	assert.Equal(t, domain.StateConnected, orch.State())
	assert.Equal(t, domain.Responder, orch.Role())
	assert.Equal(t, domain.Initiator, work.Role())

	handshake(t, orch, work, 4242)
	assert.Equal(t, 4242, orch.PeerPID())

	require.NoError(t, orch.SendTick(ctx, domain.NewTick().Set("data_in", domain.Uint(5))))
	in, err := work.ReceiveTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), in.Values["data_in"].Uint())

	require.NoError(t, work.SendTick(ctx, domain.NewTick().Set("data_out", domain.Uint(10))))
	out, err := orch.ReceiveTick(ctx)
	require.NoError(t, err)
	assert.True(t, out.Alive)
	assert.Equal(t, uint64(10), out.Values["data_out"].Uint())

	require.NoError(t, orch.SendTick(ctx, domain.Stop()))
	stop, err := work.ReceiveTick(ctx)
	require.NoError(t, err)
	assert.False(t, stop.Alive)
	assert.True(t, work.Terminated())

	// Nothing may follow a terminal message.
	err = work.SendTick(ctx, domain.NewTick().Set("data_out", domain.Uint(1)))
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	err = orch.SendTick(ctx, domain.NewTick())
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestSession_TickBeforeHandshake(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "early")
	ctx := context.Background()

	err := work.SendTick(ctx, domain.NewTick())
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	err = orch.SendTick(ctx, domain.NewTick())
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	_, err = orch.ReceiveTick(ctx)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestSession_TickWhereHandshakeExpected(t *testing.T) {
	hub := memory.NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	orch := newSession(hub)
	defer orch.Close()
	raw := hub.Transport()
	defer raw.Close()

	go func() { _ = raw.Open(ctx, domain.Initiator, "rogue") }()
	require.NoError(t, orch.Open(ctx, domain.Responder, "rogue"))

	require.NoError(t, raw.Send(ctx, []byte(`{"data_out":1,"on":true}`)))
	_, err := orch.AwaitIdentity(ctx)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	// sticky
	_, err2 := orch.ReceiveTick(ctx)
	assert.Equal(t, err, err2)
	assert.Equal(t, err, orch.Err())
}

func TestSession_HandshakeMidRun(t *testing.T) {
	hub := memory.NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	orch := newSession(hub)
	defer orch.Close()
	raw := hub.Transport()
	defer raw.Close()

	go func() { _ = raw.Open(ctx, domain.Initiator, "twice") }()
	require.NoError(t, orch.Open(ctx, domain.Responder, "twice"))

	require.NoError(t, raw.Send(ctx, []byte(`{"pid":9}`)))
	_, err := orch.AwaitIdentity(ctx)
	require.NoError(t, err)

	require.NoError(t, orch.SendTick(ctx, domain.NewTick().Set("data_in", domain.Uint(1))))
	require.NoError(t, raw.Send(ctx, []byte(`{"pid":9}`)))
	_, err = orch.ReceiveTick(ctx)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestSession_DirectionEnforced(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "dir")
	handshake(t, orch, work, 1)

	err := orch.SendTick(context.Background(), domain.NewTick().Set("data_out", domain.Uint(1)))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestSession_WrongRoleHandshake(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "roles")
	ctx := context.Background()

	assert.ErrorIs(t, orch.Identify(ctx, 1), domain.ErrProtocolViolation)
	_, err := work.AwaitIdentity(ctx)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestSession_CloseIdempotent(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "close")

	require.NoError(t, work.Close())
	require.NoError(t, work.Close())
	assert.Equal(t, domain.StateClosed, work.State())

	err := work.Identify(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	require.NoError(t, orch.Close())
	assert.False(t, hub.Bound("close"))
}

func TestSession_OpenFailureCloses(t *testing.T) {
	hub := memory.NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	s := newSession(hub)
	assert.Equal(t, domain.StateUnconnected, s.State())

	err := s.Open(ctx, domain.Initiator, "nobody")
	assert.ErrorIs(t, err, domain.ErrTransportSetupFailed)
	assert.Equal(t, domain.StateClosed, s.State())

	err = s.Open(context.Background(), domain.Initiator, "nobody")
	assert.Error(t, err)
}

func TestSession_ReceiveTimeout(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "slow", session.WithReceiveTimeout(30*time.Millisecond))

	_, err := orch.AwaitIdentity(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionTimeout)

	// Timeouts are fatal without the retry option.
	require.NoError(t, work.Identify(context.Background(), 3))
	_, err = orch.AwaitIdentity(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionTimeout)
}

func TestSession_ReceiveTimeoutRetriedOnce(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "retry",
		session.WithReceiveTimeout(60*time.Millisecond),
		session.WithTimeoutRetry(true),
	)

	go func() {
		time.Sleep(90 * time.Millisecond)
		_ = work.Identify(context.Background(), 77)
	}()

	pid, err := orch.AwaitIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 77, pid)
}

func TestSession_ReceiveTimeoutRetryExhausted(t *testing.T) {
	hub := memory.NewHub()
	orch, _ := connect(t, hub, "gone",
		session.WithReceiveTimeout(20*time.Millisecond),
		session.WithTimeoutRetry(true),
	)

	start := time.Now()
	_, err := orch.AwaitIdentity(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSession_MaxMessageSize(t *testing.T) {
	hub := memory.NewHub()
	orch, work := connect(t, hub, "tiny", session.WithMaxMessageSize(8))
	assert.Equal(t, 8, orch.MaxMessageSize())

	require.NoError(t, work.Identify(context.Background(), 123456))
	_, err := orch.AwaitIdentity(context.Background())
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestSession_AddressLock(t *testing.T) {
	hub := memory.NewHub()
	locker := memory.NewLocker()
	ctx := context.Background()

	orch := newSession(hub, session.WithLocker(locker, time.Minute))
	work := newSession(hub)
	defer work.Close()
	go func() { _ = work.Open(ctx, domain.Initiator, "locked") }()
	require.NoError(t, orch.Open(ctx, domain.Responder, "locked"))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	other := newSession(hub, session.WithLocker(locker, time.Minute))
	err := other.Open(waitCtx, domain.Responder, "locked")
	assert.ErrorIs(t, err, domain.ErrTransportSetupFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.StateClosed, other.State())

	require.NoError(t, orch.Close())
	unlock, err := locker.Lock(ctx, "locked", time.Second)
	require.NoError(t, err, "Close must release the address lock")
	require.NoError(t, unlock(ctx))
}
