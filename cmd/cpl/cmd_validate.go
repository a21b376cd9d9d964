package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"codepilot-loop/internal/orchestrator"
	"codepilot-loop/internal/patch"
)

var validateCmd = &cobra.Command{
	Use:   "validate [FILE]",
	Short: "Validate a patch envelope from FILE (or stdin) without applying it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if len(args) == 1 {
			raw, err = os.ReadFile(args[0])
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return newExitError(orchestrator.ExitValidationError, fmt.Errorf("read payload: %w", err))
		}

		payload, verr := patch.Validate(string(raw))
		if verr != nil {
			fmt.Printf("rejected: %s: %s\n", verr.Kind, verr.Detail)
			return newExitError(orchestrator.ExitValidationError, verr)
		}

		fmt.Printf("ok: op=%s file=%s status=%s\n", payload.Op, payload.File, payload.Status)
		return nil
	},
}
