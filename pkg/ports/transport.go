package ports

import (
	"context"

	"github.com/aretw0/sigbridge/pkg/domain"
)

// Transport is one point-to-point, message-oriented channel between a worker and
// the orchestrator. Variants are chosen when the session is built.
//
// Errors are *domain.Error values: setup failures carry CodeTransportSetupFailed,
// I/O failures after connect carry CodeTransportFailed and an expired receive
// deadline carries CodeSessionTimeout.
type Transport interface {
	// Kind identifies the binding.
	Kind() domain.TransportKind

	// Open binds (Responder) or connects (Initiator) to address.
	// It returns once the channel can carry messages.
	Open(ctx context.Context, role domain.Role, address string) error

	// Send writes one logical message.
	Send(ctx context.Context, payload []byte) error

	// Receive reads one logical message into the caller-owned buffer and
	// returns its length.
	Receive(ctx context.Context, buf []byte) (int, error)

	// Close releases the channel. It is idempotent.
	Close() error
}
