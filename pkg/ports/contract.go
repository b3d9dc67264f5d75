package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunLockerContract runs a suite of tests to verify that a Locker implementation
// adheres to the defined interface contract.
func RunLockerContract(t *testing.T, locker Locker) {
	ctx := context.Background()
	key := "contract-test-lock-" + time.Now().Format("20060102150405.000000")

	t.Run("Lock and Unlock", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, key, time.Second)
		require.NoError(t, err, "Lock should not return error")
		require.NotNil(t, unlock)
		require.NoError(t, unlock(ctx), "Unlock should not return error")
	})

	t.Run("Held lock blocks until context expires", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		defer func() { _ = unlock(ctx) }()

		waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, key, time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Released lock can be taken again", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, key, time.Second)
		require.NoError(t, err)

		acquired := make(chan error, 1)
		go func() {
			second, err := locker.Lock(ctx, key, time.Second)
			if err == nil {
				err = second(ctx)
			}
			acquired <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, unlock(ctx))

		select {
		case err := <-acquired:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("second Lock did not acquire after release")
		}
	})

	t.Run("Independent keys", func(t *testing.T) {
		a, err := locker.Lock(ctx, key+"-a", time.Second)
		require.NoError(t, err)
		b, err := locker.Lock(ctx, key+"-b", time.Second)
		require.NoError(t, err)
		assert.NoError(t, a(ctx))
		assert.NoError(t, b(ctx))
	})
}
