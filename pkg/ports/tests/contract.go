package tests

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/ports"
)

// TransportFactory returns a fresh, unopened transport.
type TransportFactory func() ports.Transport

// TransportContractTest is a reusable test suite that verifies if an adapter complies with ports.Transport.
// address must be unused; the suite opens one responder and one initiator on it.
func TransportContractTest(t *testing.T, newTransport TransportFactory, address string) {
	t.Helper()
	ctx := context.Background()

	responder, initiator := newTransport(), newTransport()
	defer responder.Close()
	defer initiator.Close()

	// 1. Send before Open fails
	t.Run("Send_BeforeOpen", func(t *testing.T) {
		spare := newTransport()
		defer spare.Close()
		if err := spare.Send(ctx, []byte("x")); err == nil {
			t.Error("expected error sending on an unopened transport")
		}
	})

	// 2. Open both sides concurrently
	t.Run("Open", func(t *testing.T) {
		openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); errs[0] = responder.Open(openCtx, domain.Responder, address) }()
		go func() { defer wg.Done(); errs[1] = initiator.Open(openCtx, domain.Initiator, address) }()
		wg.Wait()

		if err := errors.Join(errs...); err != nil {
			t.Fatalf("open failed: %v", err)
		}
	})

	// 3. Lock-step exchange, initiator first
	t.Run("LockStep", func(t *testing.T) {
		buf := make([]byte, 4096)
		payloads := [][]byte{
			[]byte(`{"pid":1}`),
			[]byte(`{"data_in":5,"on":true}`),
			bytes.Repeat([]byte("z"), 3000),
		}
		for i, p := range payloads {
			if err := initiator.Send(ctx, p); err != nil {
				t.Fatalf("round %d: initiator send: %v", i, err)
			}
			n, err := responder.Receive(ctx, buf)
			if err != nil {
				t.Fatalf("round %d: responder receive: %v", i, err)
			}
			if !bytes.Equal(buf[:n], p) {
				t.Errorf("round %d: responder got %q", i, truncate(buf[:n]))
			}

			reply := append([]byte("ack-"), p...)
			if err := responder.Send(ctx, reply); err != nil {
				t.Fatalf("round %d: responder send: %v", i, err)
			}
			n, err = initiator.Receive(ctx, buf)
			if err != nil {
				t.Fatalf("round %d: initiator receive: %v", i, err)
			}
			if !bytes.Equal(buf[:n], reply) {
				t.Errorf("round %d: initiator got %q", i, truncate(buf[:n]))
			}
		}
	})

	// 4. An expired receive is a retryable timeout
	t.Run("Receive_Timeout", func(t *testing.T) {
		buf := make([]byte, 64)
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		_, err := responder.Receive(waitCtx, buf)
		if !errors.Is(err, domain.ErrSessionTimeout) {
			t.Fatalf("expected session timeout, got %v", err)
		}

		if err := initiator.Send(ctx, []byte("late")); err != nil {
			t.Fatalf("send after timeout: %v", err)
		}
		n, err := responder.Receive(ctx, buf)
		if err != nil {
			t.Fatalf("receive after timeout: %v", err)
		}
		if string(buf[:n]) != "late" {
			t.Errorf("got %q after timeout, want %q", buf[:n], "late")
		}
		if err := responder.Send(ctx, []byte("ok")); err != nil {
			t.Fatalf("reply after timeout: %v", err)
		}
		if _, err := initiator.Receive(ctx, buf); err != nil {
			t.Fatalf("initiator receive after timeout: %v", err)
		}
	})

	// 5. Close is idempotent
	t.Run("Close_Idempotent", func(t *testing.T) {
		for _, tr := range []ports.Transport{initiator, responder} {
			if err := tr.Close(); err != nil {
				t.Errorf("%s close: %v", tr.Kind(), err)
			}
			if err := tr.Close(); err != nil {
				t.Errorf("%s second close: %v", tr.Kind(), err)
			}
		}
	})

	// 6. Send after Close fails
	t.Run("Send_AfterClose", func(t *testing.T) {
		if err := initiator.Send(ctx, []byte("x")); err == nil {
			t.Error("expected error sending on a closed transport")
		}
	})
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
