package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codepilot-loop/internal/config"
	"codepilot-loop/internal/gitapply"
	"codepilot-loop/internal/logging"
	"codepilot-loop/internal/orchestrator"
	"codepilot-loop/internal/transport"
	browsertransport "codepilot-loop/internal/transport/browser"
	httptransport "codepilot-loop/internal/transport/http"
)

var iterateCmd = &cobra.Command{
	Use:   "iterate INSTRUCTIONS-FILE REPO-PATH-OR-URL",
	Short: "Run the full edit-run-fix loop using the configured transport",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIterate(cmd, args)
	},
}

var apiCmd = &cobra.Command{
	Use:   "api INSTRUCTIONS-FILE REPO-PATH-OR-URL",
	Short: "Run the loop forcing the HTTP chat API transport",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode = string(config.ModeAPI)
		return runIterate(cmd, args)
	},
}

func runIterate(cmd *cobra.Command, args []string) error {
	instructionsPath, repoArg := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return newExitError(orchestrator.ExitValidationError, err)
	}
	if err := cfg.Validate(); err != nil {
		return newExitError(orchestrator.ExitValidationError, err)
	}

	instructionsBytes, err := os.ReadFile(instructionsPath)
	if err != nil {
		return newExitError(orchestrator.ExitValidationError, fmt.Errorf("read instructions file: %w", err))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	root, cleanup, err := resolveRepo(ctx, repoArg)
	if err != nil {
		return newExitError(orchestrator.ExitValidationError, err)
	}
	defer cleanup()

	if err := logging.Initialize(root, cfg.Logging.JSON, cfg.Logging.Level, cfg.Logging.BacklogDays); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
	}
	if err := logging.InitAudit(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize audit log: %v\n", err)
	}

	repo, err := gitapply.LoadRepoState(ctx, root)
	if err != nil {
		return newExitError(orchestrator.ExitValidationError, fmt.Errorf("load repo state: %w", err))
	}

	tr, trCleanup, err := buildTransport(cfg)
	if err != nil {
		return newExitError(orchestrator.ExitFatal, err)
	}
	defer trCleanup()

	orch := orchestrator.New(cfg, tr, repo, orchestrator.Options{Instructions: string(instructionsBytes)})
	result, runErr := orch.Run(ctx)
	if runErr != nil || result.ExitCode != orchestrator.ExitSuccess {
		if runErr == nil {
			runErr = fmt.Errorf("run ended in phase %s with exit code %d", result.Phase, result.ExitCode)
		}
		return newExitError(result.ExitCode, runErr)
	}

	fmt.Printf("done: %d iteration(s) completed on branch %s\n", result.Iterations, repo.Branch)
	return nil
}

func buildTransport(cfg *config.Config) (transport.Transport, func(), error) {
	switch cfg.Transport.Mode {
	case config.ModeAPI:
		tr := httptransport.New(httptransport.Config{
			APIKey:  cfg.Transport.APIKey,
			BaseURL: cfg.Transport.APIBaseURL,
			Model:   cfg.Transport.Model,
			Timeout: cfg.APITimeoutDuration(),
		})
		return tr, func() { tr.Cancel() }, nil
	case config.ModeBrowser:
		tr, err := browsertransport.New(browsertransport.Config{
			NavigateURL: cfg.Transport.BrowserURL,
			UserDataDir: os.ExpandEnv("$HOME/.cpl/browser-profile"),
		})
		if err != nil {
			return nil, func() {}, err
		}
		return tr, func() { tr.Cancel() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}
