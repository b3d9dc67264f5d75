// Package redis provides a Redis-backed ports.Locker used to claim transport
// addresses when several runs share a host.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/sigbridge/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire address lock")
)

const defaultPollInterval = 100 * time.Millisecond

// Releases the key only if it still holds our token.
const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// Locker implements ports.Locker using Redis.
type Locker struct {
	client *backend.Client
	prefix string
	poll   time.Duration
}

// Option configures the Locker.
type Option func(*Locker)

// WithPollInterval sets how often a held lock is retried.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: prefix,
		poll:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, prefix string, opts ...Option) (*Locker, error) {
	client := backend.NewClient(&backend.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewLocker(client, prefix, opts...), nil
}

// Close releases the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}

// Lock acquires the lock for the given key using Redis SET NX PX.
// The value is a random token so that only the holder can release it.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrLockAcquire, key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
