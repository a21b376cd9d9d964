package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTreeWatcher_SignalsOnFileWrite(t *testing.T) {
	root := t.TempDir()
	w, err := NewTreeWatcher(root)
	require.NoError(t, err)
	w.debounceDur = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0o644))

	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}

	require.GreaterOrEqual(t, w.Stats().EventsSeen, 1)
}

func TestTreeWatcher_IgnoresGitAndStateDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cpl"), 0o755))

	w, err := NewTreeWatcher(root)
	require.NoError(t, err)
	w.debounceDur = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cpl", "resume.json"), []byte("{}"), 0o644))

	select {
	case <-w.Changes():
		t.Fatal("unexpected change signal for ignored directory")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTreeWatcher_StopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w, err := NewTreeWatcher(root)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	w.Stop()
	w.Stop()
}
