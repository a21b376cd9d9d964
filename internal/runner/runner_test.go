package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRun_SuccessfulCommand(t *testing.T) {
	result, err := Run(context.Background(), "echo hello", t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Tail, "hello")
	require.False(t, result.TimedOut)
}

func TestRun_NonZeroExit(t *testing.T) {
	result, err := Run(context.Background(), "exit 7", t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, result.ExitCode)
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	result, err := Run(context.Background(), "sleep 30", t.TempDir(), 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.TimedOut)
}

func TestRun_TailBudgetBoundsOutput(t *testing.T) {
	result, err := RunWithTailBudget(context.Background(), "printf 'abcdefghij'", t.TempDir(), 5*time.Second, 4)
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Tail), 4)
	require.Contains(t, result.Tail, "ghij")
}

func TestRun_TailBudgetIncludesTruncationHeaderInBudget(t *testing.T) {
	result, err := RunWithTailBudget(context.Background(), "yes x | head -c 200", t.TempDir(), 5*time.Second, 50)
	require.NoError(t, err)
	require.LessOrEqual(t, len(result.Tail), 50)
}

func TestRun_CancellationStopsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := Run(ctx, "sleep 30", t.TempDir(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, result.TimedOut)
	require.Less(t, time.Since(start), 10*time.Second)
}
