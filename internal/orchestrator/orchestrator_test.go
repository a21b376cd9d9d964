package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"codepilot-loop/internal/config"
	"codepilot-loop/internal/gitapply"
	"codepilot-loop/internal/transport"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", "--", "README.md")
	run("commit", "-m", "seed")
	return dir
}

const planJSON = `{"overview":"add a greeting","suggested_run_command":"true","code_files":["hello.go"],"doc_files":[],"deferred_files":[],"estimated_iterations":1}`

// fakeTransport answers blueprint requests generically (by echoing the
// quoted target path back as a create payload) and iteration/fix requests
// from a pre-scripted queue, so each test controls exactly what the model
// "decides" without any real network or browser dependency.
type fakeTransport struct {
	planText   string
	patchQueue []string
	patchIdx   int
}

func (f *fakeTransport) Exchange(ctx context.Context, conv *transport.Conversation, userMessage string, kind transport.ReplyKind) (*transport.Reply, error) {
	switch kind {
	case transport.ReplyPlan:
		return &transport.Reply{Kind: kind, Text: f.planText}, nil
	case transport.ReplyPatch:
		if strings.Contains(userMessage, "docs/blueprints/") {
			path := extractQuotedPath(userMessage)
			text := fmt.Sprintf(`{"op":"create","file":%q,"body":%q,"status":"completed"}`, path, "blueprint content")
			return &transport.Reply{Kind: kind, Text: text}, nil
		}
		if f.patchIdx < len(f.patchQueue) {
			text := f.patchQueue[f.patchIdx]
			f.patchIdx++
			return &transport.Reply{Kind: kind, Text: text}, nil
		}
		return &transport.Reply{Kind: kind, Text: `{"op":"create","file":"unused.txt","body":"x","status":"completed"}`}, nil
	default:
		return nil, fmt.Errorf("unexpected reply kind %q", kind)
	}
}

func (f *fakeTransport) Cancel() {}

func extractQuotedPath(userMessage string) string {
	const marker = `"file":"`
	start := strings.Index(userMessage, marker)
	if start == -1 {
		return ""
	}
	start += len(marker)
	end := strings.Index(userMessage[start:], `"`)
	if end == -1 {
		return ""
	}
	return userMessage[start : start+end]
}

var _ transport.Transport = (*fakeTransport)(nil)

func newTestOrchestrator(t *testing.T, tr transport.Transport) (*Orchestrator, string) {
	t.Helper()
	dir := initRepo(t)
	ctx := context.Background()
	repo, err := gitapply.LoadRepoState(ctx, dir)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Run.Iterations = 1
	cfg.Run.NoPush = true
	cfg.Run.Command = ""

	return New(cfg, tr, repo, Options{Instructions: "build a tiny greeter"}), dir
}

func TestRun_SingleIterationCompletesSuccessfully(t *testing.T) {
	tr := &fakeTransport{
		planText:   planJSON,
		patchQueue: []string{`{"op":"create","file":"hello.go","body":"package main","status":"completed"}`},
	}
	o, dir := newTestOrchestrator(t, tr)

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.ExitCode)
	require.Equal(t, PhaseDone, result.Phase)
	require.Equal(t, 1, result.Iterations)

	_, statErr := os.Stat(filepath.Join(dir, "hello.go"))
	require.NoError(t, statErr)
}

func TestRun_UnsafePathAbortsWithSafetyViolation(t *testing.T) {
	tr := &fakeTransport{
		planText:   planJSON,
		patchQueue: []string{`{"op":"create","file":"../escape.txt","body":"x","status":"completed"}`},
	}
	o, _ := newTestOrchestrator(t, tr)

	result, err := o.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitSafetyViolation, result.ExitCode)
	require.Equal(t, PhaseAborted, result.Phase)
}

func TestRun_PerIterationPatchCapEndsIterationGracefully(t *testing.T) {
	queue := make([]string, 0, maxPatchesPerIteration+1)
	for i := 0; i < maxPatchesPerIteration+1; i++ {
		queue = append(queue, fmt.Sprintf(`{"op":"create","file":"f%d.go","body":"package main","status":"in_progress"}`, i))
	}
	tr := &fakeTransport{planText: planJSON, patchQueue: queue}
	o, _ := newTestOrchestrator(t, tr)

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.ExitCode)
	require.Equal(t, 1, result.Iterations)
}

func TestAllowedClasses_RestrictsFirstTwoIterations(t *testing.T) {
	require.False(t, fileClassAllowed("examples/demo.py", allowedClasses(1)))
	require.True(t, fileClassAllowed("main.go", allowedClasses(1)))
	require.True(t, fileClassAllowed("examples/demo.py", allowedClasses(3)))
}
