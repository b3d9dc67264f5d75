package main

import (
	"fmt"

	"github.com/aretw0/sigbridge"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of sigbridge",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sigbridge version %s\n", sigbridge.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
