// Package worker drives an opaque simulation engine from a bridge session:
// one received tick, exactly one engine step, one reply.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/ports"
)

// Session is the initiator side of a bridge session as seen by the driver.
type Session interface {
	Identify(ctx context.Context, pid int) error
	ReceiveTick(ctx context.Context) (domain.TickMessage, error)
	SendTick(ctx context.Context, msg domain.TickMessage) error
	Close() error
}

// Step describes one completed engine step, for tracing.
type Step struct {
	Tick    uint64
	PID     int
	Inputs  domain.TickMessage
	Outputs domain.TickMessage
}

// TickHook observes every completed step.
type TickHook func(Step)

// Driver runs the worker loop. It is single-use.
type Driver struct {
	session Session
	engine  ports.Engine
	pid     int
	hook    TickHook
	logger  *slog.Logger

	state atomic.Int32
	ticks atomic.Uint64
	held  map[string]domain.Value
}

// Option configures the Driver.
type Option func(*Driver)

// WithPID overrides the pid sent in the handshake. Defaults to os.Getpid().
func WithPID(pid int) Option {
	return func(d *Driver) {
		d.pid = pid
	}
}

// WithTickHook registers a hook called after every step.
func WithTickHook(hook TickHook) Option {
	return func(d *Driver) {
		d.hook = hook
	}
}

// WithLogger configures a logger for the Driver.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New creates an idle driver for a connected session.
func New(session Session, engine ports.Engine, opts ...Option) *Driver {
	d := &Driver{
		session: session,
		engine:  engine,
		pid:     os.Getpid(),
		logger:  logging.NewNop(),
		held:    make(map[string]domain.Value),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the driver state.
func (d *Driver) State() domain.DriverState { return domain.DriverState(d.state.Load()) }

// Ticks returns how many engine steps the driver has run.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }

// Run sends the handshake, then serves ticks until the orchestrator sends the
// stop sentinel, the engine finishes, or an error ends the session.
// A clean stop returns nil. The session is closed on return.
func (d *Driver) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(domain.DriverIdle), int32(domain.DriverStepping)) {
		return fmt.Errorf("driver already %s", d.State())
	}
	defer d.state.Store(int32(domain.DriverStopped))
	defer d.session.Close()

	if err := d.session.Identify(ctx, d.pid); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	d.logger.Debug("worker stepping", "pid", d.pid)

	outs := d.engine.Ports().Filter(domain.Out)
	for {
		in, err := d.session.ReceiveTick(ctx)
		if err != nil {
			return err
		}
		if !in.Alive {
			d.logger.Debug("worker stopped by orchestrator", "ticks", d.Ticks())
			return nil
		}

		reply, err := d.step(in, outs)
		if err != nil {
			d.logger.Error("engine failed", "tick", d.Ticks(), "err", err)
			if sendErr := d.session.SendTick(ctx, domain.Stop()); sendErr != nil {
				err = errors.Join(err, sendErr)
			}
			return err
		}

		finished := false
		if f, ok := d.engine.(ports.Finisher); ok && f.Finished() {
			reply.Alive = false
			finished = true
		}
		if err := d.session.SendTick(ctx, reply); err != nil {
			return err
		}
		if finished {
			d.logger.Debug("worker finished", "ticks", d.Ticks())
			return nil
		}
	}
}

// step merges the received inputs into the held set, applies every held input,
// advances the engine once and samples every output.
func (d *Driver) step(in domain.TickMessage, outs []domain.Port) (domain.TickMessage, error) {
	for name, v := range in.Values {
		d.held[name] = v
	}
	for name, v := range d.held {
		if err := d.engine.Apply(name, v); err != nil {
			return domain.TickMessage{}, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	if err := d.engine.Step(); err != nil {
		return domain.TickMessage{}, fmt.Errorf("step: %w", err)
	}
	tick := d.ticks.Add(1)

	reply := domain.NewTick()
	for _, p := range outs {
		v, err := d.engine.Read(p.Name)
		if err != nil {
			return domain.TickMessage{}, fmt.Errorf("read %s: %w", p.Name, err)
		}
		reply.Values[p.Name] = v
	}

	if d.hook != nil {
		held := domain.NewTick()
		for name, v := range d.held {
			held.Values[name] = v
		}
		d.hook(Step{Tick: tick, PID: d.pid, Inputs: held, Outputs: reply})
	}
	return reply, nil
}
