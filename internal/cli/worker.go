package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aretw0/sigbridge/internal/config"
	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/internal/presentation/tui"
	"github.com/aretw0/sigbridge/pkg/adapters/memory"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/session"
	"github.com/aretw0/sigbridge/pkg/sim"
	"github.com/aretw0/sigbridge/pkg/worker"
)

// WorkerOptions describes one worker, in its own process or in-process.
type WorkerOptions struct {
	Transport config.TransportConfig
	Model     config.ModelConfig
	Address   string
	Rank      int
	// StepLimit makes the model finish after this many steps. Zero means never.
	StepLimit uint64
	// PID overrides the handshake pid. Zero uses the process pid.
	PID int
	// Trace receives one line per step. Nil disables tracing.
	Trace  io.Writer
	Hub    *memory.Hub
	Logger *slog.Logger
}

// RunWorker connects to the orchestrator and serves ticks until it is told to stop.
func RunWorker(ctx context.Context, opts WorkerOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With("rank", opts.Rank)

	var modelOpts []sim.Option
	if opts.StepLimit > 0 {
		modelOpts = append(modelOpts, sim.WithStepLimit(opts.StepLimit))
	}
	model, err := sim.Lookup(opts.Model.Name, opts.Model.Width, modelOpts...)
	if err != nil {
		return err
	}

	tr, err := newTransport(opts.Transport, opts.Hub, logger)
	if err != nil {
		return err
	}
	sess := session.New(tr, codec.New(model.Ports()),
		session.WithMaxMessageSize(opts.Transport.MaxMessageSize),
		session.WithLogger(logger),
	)

	openCtx := ctx
	if opts.Transport.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, opts.Transport.ConnectTimeout)
		defer cancel()
	}
	if err := sess.Open(openCtx, domain.Initiator, opts.Address); err != nil {
		return fmt.Errorf("worker %d: %w", opts.Rank, err)
	}

	var driverOpts []worker.Option
	driverOpts = append(driverOpts, worker.WithLogger(logger))
	if opts.PID > 0 {
		driverOpts = append(driverOpts, worker.WithPID(opts.PID))
	}
	if opts.Trace != nil {
		driverOpts = append(driverOpts, worker.WithTickHook(tui.NewTracer(opts.Trace, model.Name()).Hook()))
	}

	d := worker.New(sess, model, driverOpts...)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", opts.Rank, err)
	}
	logger.Info("worker done", "ticks", d.Ticks(), "steps", model.Steps())
	return nil
}
