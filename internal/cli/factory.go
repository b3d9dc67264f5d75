package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/aretw0/sigbridge/internal/config"
	"github.com/aretw0/sigbridge/pkg/adapters/memory"
	"github.com/aretw0/sigbridge/pkg/adapters/process"
	"github.com/aretw0/sigbridge/pkg/adapters/redis"
	"github.com/aretw0/sigbridge/pkg/adapters/reqrep"
	"github.com/aretw0/sigbridge/pkg/adapters/stream"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/ports"
	"github.com/aretw0/sigbridge/pkg/session"
)

// newTransport builds an unopened transport. hub is required for the memory kind.
func newTransport(tc config.TransportConfig, hub *memory.Hub, logger *slog.Logger) (ports.Transport, error) {
	kind, err := domain.ParseTransportKind(tc.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case domain.TransportStream:
		framer, err := stream.ParseFramer(tc.Framing)
		if err != nil {
			return nil, err
		}
		return stream.New(
			stream.WithFramer(framer),
			stream.WithDialRetry(tc.DialRetry),
			stream.WithLogger(logger),
		), nil
	case domain.TransportReqRep:
		mode, err := reqrep.ParseBindMode(tc.BindMode)
		if err != nil {
			return nil, err
		}
		return reqrep.New(
			reqrep.WithBindMode(mode),
			reqrep.WithDialRetry(tc.DialRetry),
			reqrep.WithLogger(logger),
		), nil
	default:
		if hub == nil {
			return nil, errors.New("the memory transport needs an in-process hub")
		}
		return hub.Transport(), nil
	}
}

// newLocker returns the redis locker when configured, an in-process one otherwise.
func newLocker(ctx context.Context, lc config.LockConfig) (ports.Locker, func() error, error) {
	if lc.Redis == "" {
		return memory.NewLocker(), func() error { return nil }, nil
	}
	l, err := redis.Dial(ctx, lc.Redis, lc.Prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("lock backend: %w", err)
	}
	return l, l.Close, nil
}

// responderSessions builds one orchestrator-side session per worker.
func responderSessions(cfg *config.Config, c *codec.Codec, hub *memory.Hub, locker ports.Locker, logger *slog.Logger) ([]*session.Session, error) {
	out := make([]*session.Session, cfg.Workers.Count)
	for rank := range out {
		l := logger.With("rank", rank)
		tr, err := newTransport(cfg.Transport, hub, l)
		if err != nil {
			return nil, err
		}
		out[rank] = session.New(tr, c,
			session.WithMaxMessageSize(cfg.Transport.MaxMessageSize),
			session.WithReceiveTimeout(cfg.Run.ReceiveTimeout),
			session.WithTimeoutRetry(cfg.Run.RetryTimeout),
			session.WithLocker(locker, cfg.Lock.TTL),
			session.WithLogger(l),
		)
	}
	return out, nil
}

// workerCommand is the command used to spawn workers: the command file, then
// the inline command, else the current binary re-executed with the worker subcommand.
func workerCommand(cfg *config.Config) (process.Command, error) {
	if cfg.Workers.CommandFile != "" {
		return process.LoadCommand(cfg.Workers.CommandFile)
	}
	if cfg.Workers.Path != "" {
		return cfg.Workers.Command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return process.Command{}, fmt.Errorf("locate own binary: %w", err)
	}
	return process.Command{
		Path: self,
		Args: []string{
			"worker",
			"--transport", cfg.Transport.Kind,
			"--address", process.PlaceholderAddress,
			"--rank", process.PlaceholderRank,
			"--model", cfg.Model.Name,
			"--width", strconv.FormatUint(uint64(cfg.Model.Width), 10),
			"--framing", cfg.Transport.Framing,
			"--bind-mode", cfg.Transport.BindMode,
			"--dial-retry", cfg.Transport.DialRetry.String(),
			"--connect-timeout", cfg.Transport.ConnectTimeout.String(),
			"--max-message-size", strconv.Itoa(cfg.Transport.MaxMessageSize),
			"--trace=" + strconv.FormatBool(cfg.Run.Trace),
			"--log-level", cfg.Log.Level,
			"--log-format", cfg.Log.Format,
		},
		Env: cfg.Workers.Env,
		Dir: cfg.Workers.Dir,
	}, nil
}
