// Package orchestrator implements the Iteration Orchestrator (C8), the
// control core: it drives Bootstrap, blueprint preflight, the plan-first
// turn, the per-iteration patch loop, the error-fix loop, and finalize,
// sequentially on one control task. It owns the Conversation, the State
// Store, and the working tree; the Transport it holds is never inspected
// for its concrete type.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"codepilot-loop/internal/blueprint"
	"codepilot-loop/internal/config"
	"codepilot-loop/internal/gitapply"
	"codepilot-loop/internal/logging"
	"codepilot-loop/internal/patch"
	"codepilot-loop/internal/reposcan"
	"codepilot-loop/internal/runner"
	"codepilot-loop/internal/state"
	"codepilot-loop/internal/transport"
)

// Phase names one state in the control state machine (spec's 4.8.4).
type Phase string

const (
	PhaseBootstrap          Phase = "bootstrap"
	PhaseBlueprintPreflight Phase = "blueprint_preflight"
	PhasePlanFirst          Phase = "plan_first"
	PhaseIterating          Phase = "iterating"
	PhaseFixingErrors       Phase = "fixing_errors"
	PhaseFinalizing         Phase = "finalizing"
	PhaseDone               Phase = "done"
	PhaseAborted            Phase = "aborted"
)

// Exit codes mirror the CLI contract exactly (spec §6).
const (
	ExitSuccess            = 0
	ExitValidationError    = 2
	ExitSafetyViolation    = 3
	ExitTransportExhausted = 4
	ExitVerificationFailed = 5
	ExitFatal              = 1
)

const (
	maxPatchesPerIteration  = 40
	maxErrorRounds          = 5
	maxPreconditionRetries  = 1
	maxTransportTurnRetries = 2
	manifestMaxLines        = 800
	tailByteBudget          = 8000
	conversationWindow      = 12
	watchIdleWindow         = 3 * time.Second
)

// runError carries an explicit exit code through an aborted run; anything
// else falls back to the generic mapping in abort.
type runError struct {
	exitCode int
	detail   string
}

func (e *runError) Error() string { return e.detail }

func safetyViolation(format string, args ...interface{}) error {
	return &runError{exitCode: ExitSafetyViolation, detail: fmt.Sprintf(format, args...)}
}

// Options bundles the per-run inputs that aren't already captured by cfg.
type Options struct {
	Instructions string
}

// Result reports the terminal outcome of one Run.
type Result struct {
	ExitCode   int
	Phase      Phase
	Iterations int
}

// Orchestrator is the control core. The Conversation, State Store, and
// RepoState it holds are private to one run; two Orchestrators never share
// mutable state, so tests can instantiate several in one process.
type Orchestrator struct {
	cfg        *config.Config
	tr         transport.Transport
	store      *state.Store
	repo       *gitapply.RepoState
	conv       *transport.Conversation
	opts       Options
	resumeStep int
	runID      string
}

// New constructs an Orchestrator for one run against repo, using tr as the
// single model conduit. Each run gets a fresh correlation ID stamped onto
// every audit event it produces, so a run can be picked out of the shared
// audit log even when a resumed or retried run shares the same repo.
func New(cfg *config.Config, tr transport.Transport, repo *gitapply.RepoState, opts Options) *Orchestrator {
	runID := uuid.NewString()
	logging.SetRunID(runID)
	return &Orchestrator{
		cfg:   cfg,
		tr:    tr,
		store: state.New(repo.Root),
		repo:  repo,
		conv:  transport.NewConversation(systemPrompt(opts.Instructions), conversationWindow),
		opts:  opts,
		runID: runID,
	}
}

func systemPrompt(instructions string) string {
	return "You are driving an automated edit-run-fix loop against a git working tree. " +
		"Respond only with the single structured payload the current turn requests, nothing else.\n\n" +
		instructions
}

// Run drives the full state machine to a terminal Done or Aborted outcome.
// Terminal states both leave the repo in a committed state.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.bootstrap(ctx); err != nil {
		return o.abort(PhaseBootstrap, err)
	}

	bpSummary, err := o.blueprintPreflight(ctx)
	if err != nil {
		return o.abort(PhaseBlueprintPreflight, err)
	}

	plan, err := o.planFirst(ctx, bpSummary)
	if err != nil {
		return o.abort(PhasePlanFirst, err)
	}

	iterationsDone := 0
	for n := 1; n <= o.cfg.Run.Iterations; n++ {
		if err := o.checkoutIterationBranch(ctx, n); err != nil {
			return o.abort(PhaseIterating, err)
		}

		allowed := allowedClasses(n)
		initialMessage := fmt.Sprintf(
			"Begin iteration %d of %d.\nPlan overview: %s\nPropose the next patch.",
			n, o.cfg.Run.Iterations, plan.Overview,
		)

		completed, err := o.runIteration(ctx, n, initialMessage, allowed)
		if err != nil {
			return o.abort(PhaseIterating, err)
		}
		iterationsDone = n

		if o.cfg.Run.Command != "" {
			verified, verr := o.errorFixLoop(ctx, n, allowed)
			if verr != nil {
				return o.abort(PhaseFixingErrors, verr)
			}
			if !verified {
				logging.Get(logging.CategoryOrchestrator).Warn("iteration %d: verification command never passed within budget", n)
				return &Result{ExitCode: ExitVerificationFailed, Phase: PhaseAborted, Iterations: iterationsDone}, nil
			}
		}

		logging.Record(logging.AuditEvent{EventType: logging.AuditIterationAdvance, Iteration: n, Success: completed})

		if o.cfg.Run.Watch && o.cfg.Run.Command != "" && n < o.cfg.Run.Iterations {
			if err := o.watchInterlude(ctx, n, allowed); err != nil {
				return o.abort(PhaseFixingErrors, err)
			}
		}

		if !completed {
			break
		}
	}

	if err := o.finalize(ctx, plan); err != nil {
		return o.abort(PhaseFinalizing, err)
	}

	return &Result{ExitCode: ExitSuccess, Phase: PhaseDone, Iterations: iterationsDone}, nil
}

// bootstrap checks out the branch for iteration 1 and reads any resume
// record left by a prior, interrupted run (informational only — it does not
// currently skip already-completed work).
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	if err := o.checkoutIterationBranch(ctx, 1); err != nil {
		return err
	}
	if rec, ok := o.store.ReadResume(); ok {
		logging.Get(logging.CategoryOrchestrator).Info("found resume record at step %d, last commit %s", rec.Step, rec.CommitID)
		o.resumeStep = rec.Step
	}
	return nil
}

// checkoutIterationBranch creates or resets the branch for iteration n,
// named "<prefix>-<n>".
func (o *Orchestrator) checkoutIterationBranch(ctx context.Context, n int) error {
	branch := fmt.Sprintf("%s-%d", o.cfg.Run.BranchPrefix, n)
	cmd := exec.CommandContext(ctx, "git", "checkout", "-B", branch)
	cmd.Dir = o.repo.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("checkout iteration branch %s: %v: %s", branch, err, strings.TrimSpace(string(out)))
	}
	o.repo.Branch = branch
	return nil
}

func (o *Orchestrator) blueprintPreflight(ctx context.Context) (*blueprint.Summary, error) {
	summary, err := blueprint.Ensure(ctx, o.repo, o.conv, o.tr)
	if err != nil {
		return nil, err
	}
	o.recordResume("blueprint_preflight")
	return summary, nil
}

func (o *Orchestrator) planFirst(ctx context.Context, bp *blueprint.Summary) (*state.IterationPlan, error) {
	manifest, err := reposcan.Scan(o.repo.Root, manifestMaxLines)
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}

	userMessage := fmt.Sprintf(
		"%s\n\nRepository manifest:\n%s\n%s\nRespond with exactly one plan JSON object: "+
			`{"overview":"...","suggested_run_command":"...","code_files":[...],"doc_files":[...],"deferred_files":[...],"estimated_iterations":N}`,
		o.opts.Instructions, manifest.Render(), bp.Text,
	)

	reply, err := o.exchangeWithTurnRetry(ctx, transport.ReplyPlan, userMessage)
	if err != nil {
		return nil, err
	}

	plan, perr := parsePlan(reply.Text)
	if perr != nil {
		return nil, perr
	}

	o.conv.Append(transport.Turn{Role: transport.RoleUser, Text: userMessage}, transport.Turn{Role: transport.RoleAssistant, Text: reply.Text})

	if err := o.store.WritePlan("initial", *plan); err != nil {
		return nil, fmt.Errorf("persist initial plan: %w", err)
	}
	o.recordResume("plan_first")

	return plan, nil
}

func parsePlan(rawText string) (*state.IterationPlan, error) {
	trimmed := strings.TrimSpace(rawText)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var plan state.IterationPlan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return nil, fmt.Errorf("parse plan envelope: %w", err)
	}
	return &plan, nil
}

// allowedClasses implements the per-iteration file-class restriction: the
// first two iterations are limited to code/doc files, the third (final)
// iteration permits deferred files too. nil means unrestricted.
func allowedClasses(n int) map[reposcan.Class]bool {
	if n <= 2 {
		return map[reposcan.Class]bool{reposcan.ClassCode: true, reposcan.ClassDoc: true}
	}
	return nil
}

func fileClassAllowed(file string, allowed map[reposcan.Class]bool) bool {
	if allowed == nil {
		return true
	}
	return allowed[reposcan.Classify(file)]
}

// runIteration is the patch acceptance cycle (spec 4.8.2), repeated until
// the model returns status=Completed, a Fatal error aborts the run, or a
// cap is reached (per-iteration patch count or per-file precondition
// retries) — either of which ends the iteration with completed=false
// rather than crashing the process.
func (o *Orchestrator) runIteration(ctx context.Context, n int, initialMessage string, allowed map[reposcan.Class]bool) (bool, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	preconditionRetries := map[string]int{}
	userMessage := initialMessage

	for i := 0; i < maxPatchesPerIteration; i++ {
		reply, err := o.exchangeWithTurnRetry(ctx, transport.ReplyPatch, userMessage)
		if err != nil {
			return false, err
		}

		payload, verr := patch.Validate(reply.Text)
		if verr != nil {
			logging.Record(logging.AuditEvent{
				EventType: logging.AuditPatchRejected, Iteration: n,
				Error: string(verr.Kind), Message: verr.Detail,
			})
			o.conv.Append(transport.Turn{Role: transport.RoleUser, Text: userMessage}, transport.Turn{Role: transport.RoleAssistant, Text: reply.Text})

			if verr.Kind == patch.ErrUnsafePath {
				return false, safetyViolation("unsafe path in model output: %s", verr.Detail)
			}
			userMessage = fmt.Sprintf("Your last reply was rejected (%s: %s). Respond with exactly one corrected patch payload.", verr.Kind, verr.Detail)
			continue
		}

		if !fileClassAllowed(payload.File, allowed) {
			o.conv.Append(transport.Turn{Role: transport.RoleUser, Text: userMessage}, transport.Turn{Role: transport.RoleAssistant, Text: reply.Text})
			userMessage = fmt.Sprintf("File %q is out of scope for this iteration. Propose a different change, or set status to completed.", payload.File)
			continue
		}

		logging.Record(logging.AuditEvent{EventType: logging.AuditPatchValidated, Iteration: n, File: payload.File})

		result, aerr := gitapply.Apply(ctx, o.repo, payload)
		if aerr != nil {
			if aerr.Fatal {
				return false, aerr
			}
			preconditionRetries[payload.File]++
			if preconditionRetries[payload.File] > maxPreconditionRetries {
				log.Warn("iteration %d: %s exceeded precondition retry budget on %q; marking iteration failed", n, aerr.Kind, payload.File)
				return false, nil
			}
			o.conv.Append(transport.Turn{Role: transport.RoleUser, Text: userMessage}, transport.Turn{Role: transport.RoleAssistant, Text: reply.Text})
			userMessage = fmt.Sprintf("Applying that change failed (%s: %s). Retry with an adjusted payload.", aerr.Kind, aerr.Detail)
			continue
		}

		o.conv.Append(transport.Turn{Role: transport.RoleUser, Text: userMessage}, transport.Turn{Role: transport.RoleAssistant, Text: reply.Text})

		if result.NoOp {
			logging.Record(logging.AuditEvent{EventType: logging.AuditPatchNoop, Iteration: n, File: payload.File})
		} else {
			logging.Record(logging.AuditEvent{EventType: logging.AuditPatchApplied, Iteration: n, File: payload.File, CommitID: result.CommitID})
			o.recordResume(payload.File)
		}

		if payload.Status == patch.StatusCompleted {
			return true, nil
		}
		userMessage = "continue"
	}

	log.Warn("iteration %d: reached per-iteration patch cap (%d) before status=completed", n, maxPatchesPerIteration)
	logging.Record(logging.AuditEvent{EventType: logging.AuditRunAborted, Iteration: n, Message: "BudgetExceeded: per-iteration patch cap"})
	return false, nil
}

// watchInterlude waits, for a short idle window, for the user to manually
// edit files in the working tree between iterations. If an edit settles
// within the window, it reruns the verification command (via another
// errorFixLoop pass over iteration n) immediately rather than letting the
// regression surface only when the next iteration's patches land. Best
// effort: a watcher that fails to start just skips the interlude.
func (o *Orchestrator) watchInterlude(ctx context.Context, n int, allowed map[reposcan.Class]bool) error {
	log := logging.Get(logging.CategoryOrchestrator)

	watcher, err := state.NewTreeWatcher(o.repo.Root)
	if err != nil {
		log.Warn("watch: could not start tree watcher: %v", err)
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		log.Warn("watch: could not start tree watcher: %v", err)
		return nil
	}
	defer watcher.Stop()

	timer := time.NewTimer(watchIdleWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-watcher.Changes():
			log.Info("iteration %d: detected manual edits, rerunning verification command", n)
			verified, verr := o.errorFixLoop(ctx, n, allowed)
			if verr != nil {
				return verr
			}
			if !verified {
				log.Warn("iteration %d: verification still failing after manual edits", n)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(watchIdleWindow)
		}
	}
}

// errorFixLoop runs the configured verification command after an iteration
// reaches Completed, feeding tailed failures back through another patch
// acceptance cycle until it passes or the error-round cap is spent.
func (o *Orchestrator) errorFixLoop(ctx context.Context, n int, allowed map[reposcan.Class]bool) (bool, error) {
	log := logging.Get(logging.CategoryOrchestrator)

	for round := 0; round < maxErrorRounds; round++ {
		res, err := runner.RunWithTailBudget(ctx, o.cfg.Run.Command, o.repo.Root, o.cfg.CommandTimeoutDuration(), tailByteBudget)
		if err != nil {
			return false, fmt.Errorf("run verification command: %w", err)
		}

		logging.Record(logging.AuditEvent{
			EventType: logging.AuditCommandRun, Iteration: n, Success: res.ExitCode == 0,
			DurationMs: res.Duration.Milliseconds(),
			Message:    fmt.Sprintf("exit=%d timed_out=%v", res.ExitCode, res.TimedOut),
		})

		if res.ExitCode == 0 {
			return true, nil
		}

		log.Info("iteration %d: verification command failed (exit %d, timed_out=%v), round %d/%d", n, res.ExitCode, res.TimedOut, round+1, maxErrorRounds)

		userMessage := fmt.Sprintf(
			"The verification command failed with exit code %d.\nOutput tail:\n%s\nPropose a patch that fixes it.",
			res.ExitCode, res.Tail,
		)

		if _, err := o.runIteration(ctx, n, userMessage, allowed); err != nil {
			return false, err
		}
	}

	return false, nil
}

func (o *Orchestrator) finalize(ctx context.Context, plan *state.IterationPlan) error {
	review := *plan
	review.Overview = plan.Overview + "\n\nFinal state after all iterations."
	if err := o.store.WritePlan("review", review); err != nil {
		return fmt.Errorf("write review plan: %w", err)
	}
	o.recordResume("finalize")

	if o.cfg.Run.NoPush {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "push", "-u", o.cfg.Run.Remote, o.repo.Branch)
	cmd.Dir = o.repo.Root
	if out, err := cmd.CombinedOutput(); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("push %s to %s failed: %v: %s", o.repo.Branch, o.cfg.Run.Remote, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// exchangeWithTurnRetry wraps tr.Exchange with a small orchestrator-level
// retry: C6 already retries transient failures internally; if that's
// exhausted, the Orchestrator pauses briefly and retries the whole turn up
// to maxTransportTurnRetries before propagating.
func (o *Orchestrator) exchangeWithTurnRetry(ctx context.Context, kind transport.ReplyKind, userMessage string) (*transport.Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= maxTransportTurnRetries; attempt++ {
		reply, err := o.tr.Exchange(ctx, o.conv, userMessage, kind)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		logging.Record(logging.AuditEvent{EventType: logging.AuditTransportRetry, Error: err.Error()})

		if attempt == maxTransportTurnRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// recordResume writes the resume record strictly after the corresponding
// commit is durable, per spec's ordering guarantee.
func (o *Orchestrator) recordResume(lastFile string) {
	o.resumeStep++
	if err := o.store.WriteResume(state.ResumeRecord{
		LastFile: lastFile,
		CommitID: o.repo.HeadCommit,
		Step:     o.resumeStep,
	}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("write resume record: %v", err)
	}
}

// abort maps the failing error to an exit code and records the abort,
// leaving the resume record (already written after the last successful
// commit) intact for manual inspection.
func (o *Orchestrator) abort(phase Phase, err error) (*Result, error) {
	exitCode := ExitFatal

	var rerr *runError
	var tErr *transport.Error
	var aErr *gitapply.ApplyError
	switch {
	case errors.As(err, &rerr):
		exitCode = rerr.exitCode
	case errors.As(err, &tErr):
		switch tErr.Kind {
		case transport.ErrTransportTimeout, transport.ErrTransportTransient:
			exitCode = ExitTransportExhausted
		default:
			// Auth, UI, protocol, and resource-in-use failures are not
			// something retrying the turn again would fix.
			exitCode = ExitFatal
		}
	case errors.As(err, &aErr):
		exitCode = ExitFatal
	}

	logging.Record(logging.AuditEvent{
		EventType: logging.AuditRunAborted,
		Message:   err.Error(),
		Fields:    map[string]interface{}{"phase": string(phase)},
	})
	logging.Get(logging.CategoryOrchestrator).Error("run aborted in phase %s: %v", phase, err)

	return &Result{ExitCode: exitCode, Phase: PhaseAborted}, err
}
