// Package process launches and supervises worker processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
)

// DefaultGrace is how long a worker gets between the interrupt and the kill.
const DefaultGrace = 2 * time.Second

// Supervisor spawns worker processes from one Command.
type Supervisor struct {
	cmd    Command
	stdout io.Writer
	stderr io.Writer
	grace  time.Duration
	logger *slog.Logger
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithOutput redirects the workers' stdout and stderr. Both default to the parent's.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// WithGrace sets the interrupt-to-kill delay.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

// WithLogger configures a logger for the Supervisor.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a Supervisor for cmd.
func NewSupervisor(cmd Command, opts ...Option) *Supervisor {
	s := &Supervisor{
		cmd:    cmd,
		stdout: os.Stdout,
		stderr: os.Stderr,
		grace:  DefaultGrace,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process is one running worker.
type Process struct {
	Rank    int
	Address string

	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}
	err   error
	once  sync.Once
}

// Spawn starts the worker for rank in a process group of its own. Canceling
// ctx interrupts the worker and kills it after the grace period.
func (s *Supervisor) Spawn(ctx context.Context, rank int, address string) (*Process, error) {
	if err := s.cmd.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.cmd.Path, s.cmd.Expand(rank, address)...)
	cmd.Dir = s.cmd.Dir
	cmd.Env = append(cmd.Environ(), s.cmd.Environ(rank, address)...)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.grace
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn rank %d: %w", rank, err)
	}

	p := &Process{
		Rank:    rank,
		Address: address,
		cmd:     cmd,
		grace:   s.grace,
		done:    make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		if p.err != nil {
			s.logger.Debug("worker exited", "rank", rank, "pid", p.PID(), "err", p.err)
		} else {
			s.logger.Debug("worker exited", "rank", rank, "pid", p.PID())
		}
	}()

	s.logger.Debug("worker spawned", "rank", rank, "pid", p.PID(), "address", address)
	return p, nil
}

// SpawnAll starts one worker per address, rank = index. If any spawn fails,
// the workers already started are killed.
func (s *Supervisor) SpawnAll(ctx context.Context, addresses []string) ([]*Process, error) {
	procs := make([]*Process, 0, len(addresses))
	for rank, addr := range addresses {
		p, err := s.Spawn(ctx, rank, addr)
		if err != nil {
			for _, q := range procs {
				_ = q.Kill()
				_ = q.Wait()
			}
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// PID returns the operating system pid of the worker.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed when the worker has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the worker exits and returns its exit status.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill terminates the worker immediately. Killing an exited worker is a no-op.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Stop interrupts the worker, waits up to the grace period, then kills it.
// The returned error is the worker's exit status.
func (p *Process) Stop() error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			_ = p.Kill()
			return
		}
		t := time.NewTimer(p.grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			_ = p.Kill()
		}
	})
	return p.Wait()
}

// WaitAll waits for every worker and joins the failures, labelled by rank.
func WaitAll(procs []*Process) error {
	var errs []error
	for _, p := range procs {
		if err := p.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("rank %d (pid %d): %w", p.Rank, p.PID(), err))
		}
	}
	return errors.Join(errs...)
}
