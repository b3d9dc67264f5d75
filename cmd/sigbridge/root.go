package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/sigbridge/internal/config"
	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sigbridge",
	Short: "sigbridge bridges cycle-driven simulators with an orchestrator",
	Long: `sigbridge runs simulation engines as worker processes and drives them in
lock-step from one orchestrator, exchanging named signal values every tick over
Unix stream sockets or ZeroMQ request/reply.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command tree and reports a failure on stderr exactly once.
func execute(args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text or json)")
}

// newLogger builds the stderr logger. Flags win over the run file.
func newLogger(cmd *cobra.Command, lc config.LogConfig) (*slog.Logger, error) {
	flags := cmd.Flags()
	if flags.Changed("log-level") || lc.Level == "" {
		lc.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") || lc.Format == "" {
		lc.Format, _ = flags.GetString("log-format")
	}
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.NewWithWriter(os.Stderr, level, format), nil
}
