package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aretw0/sigbridge/internal/config"
	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/internal/metrics"
	"github.com/aretw0/sigbridge/internal/presentation/tui"
	sbhttp "github.com/aretw0/sigbridge/pkg/adapters/http"
	"github.com/aretw0/sigbridge/pkg/adapters/memory"
	"github.com/aretw0/sigbridge/pkg/adapters/process"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/aretw0/sigbridge/pkg/session"
	"github.com/aretw0/sigbridge/pkg/sim"
	"golang.org/x/sync/errgroup"
)

// workerExitGrace bounds how long a finished run waits for its workers.
const workerExitGrace = 5 * time.Second

// OrchestrateOptions are the non-config inputs of a run.
type OrchestrateOptions struct {
	// Stdout receives the worker trace and the summary.
	Stdout io.Writer
	Logger *slog.Logger
	// Quiet suppresses the banner and the summary.
	Quiet bool
}

// Orchestrate runs a complete bridge session set: open, spawn, handshake, tick, stop.
func Orchestrate(ctx context.Context, cfg *config.Config, opts OrchestrateOptions) (*orchestrator.Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	model, err := sim.Lookup(cfg.Model.Name, cfg.Model.Width)
	if err != nil {
		return nil, err
	}
	wave, err := cfg.Stimulus.Waveform(model.Ports())
	if err != nil {
		return nil, err
	}
	policy, err := orchestrator.ParseStopPolicy(cfg.Run.StopPolicy)
	if err != nil {
		return nil, err
	}

	if !opts.Quiet {
		tui.PrintBanner(stdout)
	}

	runID := config.NewRunID()
	addrs := cfg.Addresses(runID)
	logger.Info("run starting", "run", runID, "model", model.Name(), "workers", len(addrs),
		"transport", cfg.Transport.Kind, "policy", policy)

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeLocker(); err != nil {
			logger.Warn("close lock backend", "err", err)
		}
	}()

	var hub *memory.Hub
	if domain.TransportKind(cfg.Transport.Kind) == domain.TransportMemory {
		hub = memory.NewHub()
	}
	sessions, err := responderSessions(cfg, codec.New(model.Ports()), hub, locker, logger)
	if err != nil {
		return nil, err
	}

	// Responders open while the workers start: a stream responder blocks in
	// accept and an inverted reqrep responder dials the worker's bind.
	openCtx, cancelOpen := context.WithTimeout(ctx, cfg.Transport.ConnectTimeout)
	defer cancelOpen()
	var opens errgroup.Group
	for rank, s := range sessions {
		rank, s := rank, s
		opens.Go(func() error {
			if err := s.Open(openCtx, domain.Responder, addrs[rank]); err != nil {
				logger.Error("session open failed", "rank", rank, "address", addrs[rank], "err", err)
			}
			return nil
		})
	}

	fleet, err := startWorkers(ctx, cfg, addrs, hub, stdout, logger)
	if err != nil {
		cancelOpen()
		_ = opens.Wait()
		for _, s := range sessions {
			_ = s.Close()
		}
		return nil, err
	}
	_ = opens.Wait()

	collector := metrics.New()
	collector.SetRunning(len(sessions))
	osess := make([]orchestrator.Session, len(sessions))
	for i, s := range sessions {
		osess[i] = s
	}
	o := orchestrator.New(osess,
		orchestrator.WithStimulus(wave),
		orchestrator.WithMaxTicks(cfg.Run.Ticks),
		orchestrator.WithPolicy(policy),
		orchestrator.WithObserver(collector),
		orchestrator.WithExpectedPIDs(fleet.pids()),
		orchestrator.WithLogger(logger),
	)

	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	var serveDone chan error
	if cfg.Metrics.Addr != "" {
		srv, err := sbhttp.Listen(cfg.Metrics.Addr, sbhttp.NewHandler(o, collector.Registry(), logger), sbhttp.WithLogger(logger))
		if err != nil {
			logger.Error("introspection disabled", "addr", cfg.Metrics.Addr, "err", err)
		} else {
			serveDone = make(chan error, 1)
			go func() { serveDone <- srv.Serve(serveCtx) }()
		}
	}

	summary, runErr := o.Run(ctx)

	if err := fleet.wait(workerExitGrace); err != nil {
		logger.Warn("workers exited with errors", "err", err)
	}
	stopServe()
	if serveDone != nil {
		if err := <-serveDone; err != nil {
			logger.Warn("introspection server", "err", err)
		}
	}

	logger.Info("run finished", "run", runID, "ticks", summary.Ticks, "failed", len(summary.Failed()),
		"duration", summary.Duration)
	if !opts.Quiet {
		render := tui.NewRenderer(stdout)
		out, err := render(tui.SummaryMarkdown(summary, model.Name()))
		if err != nil {
			return summary, errors.Join(runErr, err)
		}
		fmt.Fprint(stdout, out)
	}
	return summary, runErr
}

// fleet is the set of running workers, as goroutines or as processes.
type fleet struct {
	procs  []*process.Process
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
}

func (f *fleet) pids() []int {
	out := make([]int, len(f.procs))
	for i, p := range f.procs {
		out[i] = p.PID()
	}
	return out
}

// wait gives the workers grace to exit on their own, then interrupts them.
func (f *fleet) wait(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.wg.Wait()
		for _, p := range f.procs {
			<-p.Done()
		}
	}()

	select {
	case <-done:
	case <-time.After(grace):
		f.cancel()
		for _, p := range f.procs {
			_ = p.Stop()
		}
		<-done
	}
	f.cancel()

	if len(f.procs) > 0 {
		return process.WaitAll(f.procs)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Join(f.errs...)
}

func startWorkers(ctx context.Context, cfg *config.Config, addrs []string, hub *memory.Hub, stdout io.Writer, logger *slog.Logger) (*fleet, error) {
	// Workers outlive a canceled run long enough to receive the stop sentinel.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &fleet{cancel: cancel}

	out := &lockedWriter{w: stdout}
	if cfg.Workers.InProcess {
		var trace io.Writer
		if cfg.Run.Trace {
			trace = out
		}
		for rank, addr := range addrs {
			rank, addr := rank, addr
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				err := RunWorker(wctx, WorkerOptions{
					Transport: cfg.Transport,
					Model:     cfg.Model,
					Address:   addr,
					Rank:      rank,
					Trace:     trace,
					Hub:       hub,
					Logger:    logger,
				})
				if err != nil {
					f.mu.Lock()
					f.errs = append(f.errs, err)
					f.mu.Unlock()
				}
			}()
		}
		return f, nil
	}

	cmd, err := workerCommand(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	sup := process.NewSupervisor(cmd, process.WithOutput(out, os.Stderr), process.WithLogger(logger))
	procs, err := sup.SpawnAll(wctx, addrs)
	if err != nil {
		cancel()
		return nil, err
	}
	f.procs = procs
	return f, nil
}

// lockedWriter serialises the trace lines of concurrent workers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

var _ orchestrator.Session = (*session.Session)(nil)
