package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "coordination",
		Short: "Coordination inference runner",
		Long: `coordination runs Bayesian inference over experiments in an evidence file.

It maps evidence columns into model configuration bundles, drives the
external sampling engine through prior/posterior sampling with retries,
and dispatches large batches as parallel blocks in a tmux session.`,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default ~/.coordination/config.yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInferCmd(),
		newParallelCmd(),
		newValidateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]string{"version": version})
			} else {
				fmt.Printf("coordination version %s\n", version)
			}
		},
	}
}
