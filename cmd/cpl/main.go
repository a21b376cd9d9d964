// Package main implements the codepilot-loop CLI: it drives an automated
// edit-run-fix loop against a local git working tree, conversing with a
// model over either an HTTP chat API or a browser automation transport.
//
// File index:
//   - main.go          - entry point, rootCmd, global flags, init()
//   - cmd_iterate.go   - iterateCmd, apiCmd, runIterate()
//   - cmd_scan.go       - scanCmd
//   - cmd_validate.go   - validateCmd
//   - cmd_schema.go     - schemaCmd
//   - cmd_version.go    - versionCmd
//   - repo.go           - resolveRepo() local-path-or-clone-URL handling
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codepilot-loop/internal/config"
	"codepilot-loop/internal/logging"
)

// exitError carries a CLI exit code through cobra's error return path
// (spec §6's exit-code contract: 0 success, 2 validation, 3 safety
// violation, 4 transport exhausted, 5 verification never passed, 1 other).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

var (
	cfgFile      string
	verbose      bool
	mode         string
	model        string
	apiTimeout   time.Duration
	verifyCmd    string
	autoApprove  bool
	cmdTimeout   time.Duration
	iterations   int
	branchPrefix string
	remote       string
	noPush       bool
	watch        bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cpl",
	Short: "codepilot-loop - automated edit-run-fix loop against a git working tree",
	Long: `codepilot-loop converses with a model over a patch protocol, applying and
committing each accepted change to a local git working tree and optionally
running a verification command between iterations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
		logging.CloseAudit()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", "Transport mode: api|browser (overrides config)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model name (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&apiTimeout, "api-timeout", 0, "Per-call API timeout (overrides config)")
	rootCmd.PersistentFlags().StringVar(&verifyCmd, "cmd", "", "Verification command to run after each iteration")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "auto", false, "Auto-approve patches without interactive confirmation")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 0, "Verification command timeout (overrides config)")
	rootCmd.PersistentFlags().IntVar(&iterations, "iterations", 0, "Iteration count, 1-3 (overrides config)")
	rootCmd.PersistentFlags().StringVar(&branchPrefix, "branch-prefix", "", "Iteration branch name prefix (overrides config)")
	rootCmd.PersistentFlags().StringVar(&remote, "remote", "", "Git remote to push the final branch to (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noPush, "no-push", false, "Skip pushing the final branch")
	rootCmd.PersistentFlags().BoolVar(&watch, "watch", false, "Between iterations, watch for manual edits and rerun the verification command")

	rootCmd.AddCommand(iterateCmd, apiCmd, scanCmd, validateCmd, schemaCmd, versionCmd)
}

// loadConfig layers the YAML file, environment, and CLI flags — in that
// precedence order, flags winning last — into one immutable Config value.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if mode != "" {
		cfg.Transport.Mode = config.Mode(mode)
	}
	if model != "" {
		cfg.Transport.Model = model
	}
	if apiTimeout > 0 {
		cfg.Transport.APITimeout = apiTimeout.String()
	}
	if verifyCmd != "" {
		cfg.Run.Command = verifyCmd
	}
	if autoApprove {
		cfg.Run.AutoApprove = true
	}
	if cmdTimeout > 0 {
		cfg.Run.CommandTimeout = cmdTimeout.String()
	}
	if iterations != 0 {
		cfg.Run.Iterations = iterations
	}
	if branchPrefix != "" {
		cfg.Run.BranchPrefix = branchPrefix
	}
	if remote != "" {
		cfg.Run.Remote = remote
	}
	if noPush {
		cfg.Run.NoPush = true
	}
	if watch {
		cfg.Run.Watch = true
	}

	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}
