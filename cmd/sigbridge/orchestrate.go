package main

import (
	"context"
	"fmt"

	"github.com/aretw0/sigbridge/internal/cli"
	"github.com/aretw0/sigbridge/internal/config"
	"github.com/aretw0/sigbridge/pkg/adapters/process"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Spawn workers and drive them in lock-step",
	Long: `Spawns the configured number of workers (or runs them as goroutines with
--in-process), completes the handshake with each one and exchanges one tick
message per worker per cycle until the run ends. Prints a summary at the end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Defaults()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		applyOrchestrateFlags(cmd.Flags(), cfg)

		logger, err := newLogger(cmd, cfg.Log)
		if err != nil {
			return err
		}

		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Stop()

		quiet, _ := cmd.Flags().GetBool("quiet")
		sum, err := cli.Orchestrate(ctx, cfg, cli.OrchestrateOptions{
			Stdout: cmd.OutOrStdout(),
			Logger: logger,
			Quiet:  quiet,
		})
		if sig := ctx.Signal(); sig != nil {
			logger.Info("run interrupted", "signal", sig)
			return nil
		}
		if err != nil {
			return err
		}
		if failed := sum.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d workers failed", len(failed), len(sum.Workers))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)

	f := orchestrateCmd.Flags()
	f.StringP("config", "c", "", "Run file (YAML or JSON)")
	f.String("transport", "", "Transport: stream, reqrep or memory")
	f.String("address", "", "Address template ({run}, {rank}, {tmp})")
	f.String("framing", "", "Stream framing: length-prefix or legacy")
	f.String("bind-mode", "", "Request/reply bind mode: inverted or conventional")
	f.IntP("workers", "n", 0, "Number of workers")
	f.Bool("in-process", false, "Run workers as goroutines instead of processes")
	f.String("worker-command-file", "", "Worker command file (YAML or JSON) replacing the run file's command")
	f.StringP("model", "m", "", "Model: inverter, counter or lfsr")
	f.Uint("width", 0, "Model data width")
	f.Uint64P("ticks", "t", 0, "Stop after this many ticks")
	f.String("policy", "", "Partial stop policy: drop-stopped or halt-all")
	f.Duration("receive-timeout", 0, "Bound every receive (0 waits forever)")
	f.Bool("retry-timeout", false, "Retry a timed-out receive once")
	f.String("metrics-addr", "", "Serve /metrics, /workers and /healthz on this address")
	f.String("redis", "", "Redis address for address locks")
	f.Bool("trace", true, "Print one line per step (in-process workers)")
	f.BoolP("quiet", "q", false, "Suppress the banner and the summary")
}

// applyOrchestrateFlags overrides the run file with the flags that were set.
func applyOrchestrateFlags(f *pflag.FlagSet, cfg *config.Config) {
	if f.Changed("transport") {
		cfg.Transport.Kind, _ = f.GetString("transport")
	}
	if f.Changed("address") {
		cfg.Transport.Address, _ = f.GetString("address")
	}
	if f.Changed("framing") {
		cfg.Transport.Framing, _ = f.GetString("framing")
	}
	if f.Changed("bind-mode") {
		cfg.Transport.BindMode, _ = f.GetString("bind-mode")
	}
	if f.Changed("workers") {
		cfg.Workers.Count, _ = f.GetInt("workers")
	}
	if f.Changed("in-process") {
		cfg.Workers.InProcess, _ = f.GetBool("in-process")
	}
	if f.Changed("worker-command-file") {
		cfg.Workers.CommandFile, _ = f.GetString("worker-command-file")
		cfg.Workers.Command = process.Command{}
	}
	if f.Changed("model") {
		cfg.Model.Name, _ = f.GetString("model")
	}
	if f.Changed("width") {
		cfg.Model.Width, _ = f.GetUint("width")
	}
	if f.Changed("ticks") {
		cfg.Run.Ticks, _ = f.GetUint64("ticks")
	}
	if f.Changed("policy") {
		cfg.Run.StopPolicy, _ = f.GetString("policy")
	}
	if f.Changed("receive-timeout") {
		cfg.Run.ReceiveTimeout, _ = f.GetDuration("receive-timeout")
	}
	if f.Changed("retry-timeout") {
		cfg.Run.RetryTimeout, _ = f.GetBool("retry-timeout")
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = f.GetString("metrics-addr")
	}
	if f.Changed("redis") {
		cfg.Lock.Redis, _ = f.GetString("redis")
	}
	if f.Changed("trace") {
		cfg.Run.Trace, _ = f.GetBool("trace")
	}
}
