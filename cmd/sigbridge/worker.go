package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/aretw0/sigbridge/internal/cli"
	"github.com/aretw0/sigbridge/internal/config"
	"github.com/aretw0/sigbridge/pkg/adapters/process"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one simulation worker",
	Long: `Connects to the orchestrator at --address, identifies itself with its pid
and then steps the model once per received tick until it is told to stop.
The address and rank default to SIGBRIDGE_ADDRESS and SIGBRIDGE_RANK.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		defaults := config.Defaults()

		tc := defaults.Transport
		tc.Kind, _ = f.GetString("transport")
		tc.Framing, _ = f.GetString("framing")
		tc.BindMode, _ = f.GetString("bind-mode")
		tc.DialRetry, _ = f.GetDuration("dial-retry")
		tc.ConnectTimeout, _ = f.GetDuration("connect-timeout")
		tc.MaxMessageSize, _ = f.GetInt("max-message-size")

		address, _ := f.GetString("address")
		if address == "" {
			address = os.Getenv(process.EnvAddress)
		}
		if address == "" {
			return fmt.Errorf("no address: pass --address or set %s", process.EnvAddress)
		}
		rank, _ := f.GetInt("rank")
		if !f.Changed("rank") {
			if env := os.Getenv(process.EnvRank); env != "" {
				r, err := strconv.Atoi(env)
				if err != nil {
					return fmt.Errorf("%s: %w", process.EnvRank, err)
				}
				rank = r
			}
		}

		logger, err := newLogger(cmd, config.LogConfig{})
		if err != nil {
			return err
		}

		opts := cli.WorkerOptions{
			Transport: tc,
			Address:   address,
			Rank:      rank,
			Logger:    logger,
		}
		opts.Model.Name, _ = f.GetString("model")
		opts.Model.Width, _ = f.GetUint("width")
		opts.StepLimit, _ = f.GetUint64("steps")
		if trace, _ := f.GetBool("trace"); trace {
			opts.Trace = cmd.OutOrStdout()
		}

		// The orchestrator ends the exchange with the stop sentinel; an
		// interrupt only aborts a worker that never got one.
		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Stop()
		return cli.RunWorker(ctx, opts)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	defaults := config.Defaults()
	f := workerCmd.Flags()
	f.String("transport", defaults.Transport.Kind, "Transport: stream or reqrep")
	f.String("address", "", "Orchestrator address for this worker")
	f.Int("rank", 0, "Worker rank, for logs")
	f.StringP("model", "m", defaults.Model.Name, "Model: inverter, counter or lfsr")
	f.Uint("width", defaults.Model.Width, "Model data width")
	f.Uint64("steps", 0, "Finish after this many steps (0 runs until stopped)")
	f.String("framing", defaults.Transport.Framing, "Stream framing: length-prefix or legacy")
	f.String("bind-mode", defaults.Transport.BindMode, "Request/reply bind mode: inverted or conventional")
	f.Duration("dial-retry", defaults.Transport.DialRetry, "Retry interval while the orchestrator is not listening")
	f.Duration("connect-timeout", defaults.Transport.ConnectTimeout, "Give up connecting after this long")
	f.Int("max-message-size", defaults.Transport.MaxMessageSize, "Receive buffer size in bytes")
	f.Bool("trace", true, "Print one line per step")
}
