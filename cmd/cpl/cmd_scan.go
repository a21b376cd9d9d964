package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codepilot-loop/internal/orchestrator"
	"codepilot-loop/internal/reposcan"
)

var scanMaxLines int

var scanCmd = &cobra.Command{
	Use:   "scan REPO-PATH",
	Short: "Print the deterministic, classified repo manifest the planner would see",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, err := reposcan.Scan(args[0], scanMaxLines)
		if err != nil {
			return newExitError(orchestrator.ExitValidationError, err)
		}
		fmt.Print(manifest.Render())
		return nil
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanMaxLines, "max-lines", 0, "Truncate the manifest after this many entries (0 = unbounded)")
}
