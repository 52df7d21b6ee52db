// Package main is agentkerneld's entrypoint: a cobra root command
// with serve/rotate-key/journal-compact subcommands, grounded on
// theRebelliousNerd-codenerd's cmd/nerd root-command/init() shape
// (package-level *cobra.Command vars wired together in init()).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentkerneld",
	Short: "agentkerneld runs the agent task kernel and its control-plane front door",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalCompactCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
