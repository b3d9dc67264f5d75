package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a lock.
type UnlockFunc func(ctx context.Context) error

// Locker defines exclusive ownership of a key across processes (or replicas).
// Sessions use it to claim their transport address before binding, so two runs
// never unlink each other's live socket.
type Locker interface {
	// Lock attempts to acquire the lock for the given key.
	// It blocks until the lock is acquired or the context is canceled.
	// Returns an UnlockFunc that MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
