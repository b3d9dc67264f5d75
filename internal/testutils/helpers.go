// Package testutils holds helpers shared by transport and CLI tests.
package testutils

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ShortTempDir creates a temporary directory directly under os.TempDir.
// t.TempDir nests deeply enough on some systems to overflow sun_path (~108 bytes).
// The directory is removed when the test ends.
func ShortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sb")
	require.NoError(t, err, "Failed to create temp dir")
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// SocketPath returns a Unix socket path that fits in sun_path.
func SocketPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(ShortTempDir(t), name)
}

// IPCEndpoint returns a ZeroMQ ipc:// endpoint backed by SocketPath.
func IPCEndpoint(t *testing.T, name string) string {
	t.Helper()
	return "ipc://" + SocketPath(t, name)
}

// TCPEndpoint returns a tcp:// endpoint on a loopback port that was free a moment ago.
func TCPEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "tcp://" + addr
}
