package main

import (
	"fmt"

	"github.com/aretw0/sigbridge/internal/presentation/tui"
	"github.com/aretw0/sigbridge/pkg/sim"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the built-in circuits and their ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		md, err := tui.NewRenderer(out)(tui.ModelsMarkdown(sim.Models()))
		if err != nil {
			return err
		}
		fmt.Fprint(out, md)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
