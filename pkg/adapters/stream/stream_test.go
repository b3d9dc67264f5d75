package stream_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sigbridge/internal/testutils"
	"github.com/aretw0/sigbridge/pkg/adapters/stream"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/ports"
	"github.com/aretw0/sigbridge/pkg/ports/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T, path string, opts ...stream.Option) (*stream.Transport, *stream.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := stream.New(opts...)
	init := stream.New(append(opts, stream.WithDialRetry(5*time.Millisecond))...)

	var wg sync.WaitGroup
	var respErr error
	wg.Add(1)
	go func() { defer wg.Done(); respErr = resp.Open(ctx, domain.Responder, path) }()
	require.NoError(t, init.Open(ctx, domain.Initiator, path))
	wg.Wait()
	require.NoError(t, respErr)
	return resp, init
}

func TestStreamTransport_Contract(t *testing.T) {
	path := testutils.SocketPath(t, "contract.sock")
	tests.TransportContractTest(t, func() ports.Transport {
		return stream.New(stream.WithDialRetry(5 * time.Millisecond))
	}, path)

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "responder close must unlink the path")
}

func TestStreamTransport_LegacyContract(t *testing.T) {
	tests.TransportContractTest(t, func() ports.Transport {
		return stream.New(stream.WithFramer(stream.Legacy{}), stream.WithDialRetry(5*time.Millisecond))
	}, testutils.SocketPath(t, "legacy.sock"))
}

func TestStreamTransport_RebindAfterClose(t *testing.T) {
	path := testutils.SocketPath(t, "rebind.sock")

	resp, init := openPair(t, path)
	require.NoError(t, init.Close())
	require.NoError(t, resp.Close())
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	resp, init = openPair(t, path)
	defer resp.Close()
	defer init.Close()

	ctx := context.Background()
	require.NoError(t, init.Send(ctx, []byte(`{"pid":7}`)))
	buf := make([]byte, 64)
	n, err := resp.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, `{"pid":7}`, string(buf[:n]))
}

func TestStreamTransport_RemovesStaleSocket(t *testing.T) {
	path := testutils.SocketPath(t, "stale.sock")

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	l.SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	require.NoError(t, err, "stale socket file should remain after a crash")

	resp, init := openPair(t, path)
	assert.NoError(t, init.Close())
	assert.NoError(t, resp.Close())
}

func TestStreamTransport_LiveSocketRefused(t *testing.T) {
	path := testutils.SocketPath(t, "live.sock")

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer l.Close()

	err = stream.New().Open(context.Background(), domain.Responder, path)
	assert.ErrorIs(t, err, domain.ErrTransportSetupFailed)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "live socket must not be unlinked")
}

func TestStreamTransport_ConnectWithoutRetry(t *testing.T) {
	err := stream.New().Open(context.Background(), domain.Initiator, testutils.SocketPath(t, "missing.sock"))
	assert.ErrorIs(t, err, domain.ErrTransportSetupFailed)
}

func TestStreamTransport_AcceptCanceled(t *testing.T) {
	path := testutils.SocketPath(t, "accept.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := stream.New().Open(ctx, domain.Responder, path)
	assert.ErrorIs(t, err, domain.ErrTransportSetupFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestStreamTransport_PeerKilled(t *testing.T) {
	resp, init := openPair(t, testutils.SocketPath(t, "killed.sock"))
	defer resp.Close()

	require.NoError(t, init.Close())

	_, err := resp.Receive(context.Background(), make([]byte, 64))
	assert.ErrorIs(t, err, domain.ErrTransportFailed)
}

// Two frames written in a single kernel write must still come out as two messages.
func TestStreamTransport_CoalescedFrames(t *testing.T) {
	path := testutils.SocketPath(t, "coalesce.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := stream.New()
	defer resp.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, resp.Open(ctx, domain.Responder, path))
	}()

	var raw net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		raw = c
		return true
	}, time.Second, 5*time.Millisecond)
	defer raw.Close()
	wg.Wait()

	var wire bytes.Buffer
	for _, p := range []string{`{"on":true}`, `{"on":false}`} {
		require.NoError(t, stream.LengthPrefix{}.WriteFrame(&wire, []byte(p)))
	}
	_, err := raw.Write(wire.Bytes())
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := resp.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, `{"on":true}`, string(buf[:n]))
	n, err = resp.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, `{"on":false}`, string(buf[:n]))
}

func TestStreamTransport_OversizedFrame(t *testing.T) {
	resp, init := openPair(t, testutils.SocketPath(t, "big.sock"))
	defer resp.Close()
	defer init.Close()

	ctx := context.Background()
	require.NoError(t, init.Send(ctx, bytes.Repeat([]byte("x"), 100)))
	_, err := resp.Receive(ctx, make([]byte, 16))
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
	assert.ErrorIs(t, err, stream.ErrFrameTooLarge)
}

func TestLengthPrefix_ReadFrame(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, stream.LengthPrefix{}.WriteFrame(&wire, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, wire.Bytes())

	buf := make([]byte, 8)
	n, err := stream.LengthPrefix{}.ReadFrame(bytes.NewReader(wire.Bytes()), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// truncated header
	_, err = stream.LengthPrefix{}.ReadFrame(bytes.NewReader([]byte{0, 0}), buf)
	assert.ErrorIs(t, err, stream.ErrShortFrame)

	// truncated payload
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 6)
	_, err = stream.LengthPrefix{}.ReadFrame(bytes.NewReader(append(hdr, 'a', 'b')), buf)
	assert.ErrorIs(t, err, stream.ErrShortFrame)

	// empty stream is a clean EOF, not a short frame
	_, err = stream.LengthPrefix{}.ReadFrame(bytes.NewReader(nil), buf)
	assert.NotErrorIs(t, err, stream.ErrShortFrame)
}

func TestLegacy_Frames(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, stream.Legacy{}.WriteFrame(&wire, []byte(`{"on":true}`)))
	assert.Equal(t, `{"on":true}`, wire.String())
	assert.Error(t, stream.Legacy{}.WriteFrame(&wire, nil))

	buf := make([]byte, 64)
	n, err := stream.Legacy{}.ReadFrame(&wire, buf)
	require.NoError(t, err)
	assert.Equal(t, `{"on":true}`, string(buf[:n]))
}

func TestParseFramer(t *testing.T) {
	f, err := stream.ParseFramer("")
	require.NoError(t, err)
	assert.Equal(t, "length-prefix", f.Name())

	f, err = stream.ParseFramer("legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", f.Name())

	_, err = stream.ParseFramer("newline")
	assert.Error(t, err)
}
