package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalContext is canceled on SIGINT or SIGTERM and remembers which signal arrived.
// The orchestrator honours the cancellation between ticks.
type SignalContext struct {
	context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	sig os.Signal
}

// NewSignalContext starts watching for interrupts until parent is done or Stop is called.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{Context: ctx, cancel: cancel}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			sc.mu.Lock()
			sc.sig = sig
			sc.mu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()
	return sc
}

// Stop releases the signal handler.
func (sc *SignalContext) Stop() { sc.cancel() }

// Signal returns the signal that canceled the context, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sig
}
