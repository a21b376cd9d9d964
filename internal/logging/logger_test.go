package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetState() {
	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	logsDir = ""
	jsonFormat = false
	backlog = 7
	logLevel = LevelInfo
	CloseAudit()
}

func TestInitializeCreatesLogsDir(t *testing.T) {
	tempDir := t.TempDir()
	resetState()

	require.NoError(t, Initialize(tempDir, false, "info", 0))
	defer resetState()

	info, err := os.Stat(filepath.Join(tempDir, ".cpl", "logs"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestGetWritesCategoryFile(t *testing.T) {
	tempDir := t.TempDir()
	resetState()
	require.NoError(t, Initialize(tempDir, false, "debug", 0))
	defer resetState()

	logger := Get(CategoryApplier)
	logger.Info("applied %s", "patch-1")
	logger.Warn("slow apply")
	logger.file.Sync()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".cpl", "logs"))
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "applier") {
			found = true
			content, err := os.ReadFile(filepath.Join(tempDir, ".cpl", "logs", e.Name()))
			require.NoError(t, err)
			require.Contains(t, string(content), "patch-1")
		}
	}
	require.True(t, found, "expected an applier log file")
}

func TestGetBeforeInitializeIsNoop(t *testing.T) {
	resetState()
	logger := Get(CategoryRunner)
	logger.Info("should not panic or write anywhere")
}

func TestJSONFormat(t *testing.T) {
	tempDir := t.TempDir()
	resetState()
	require.NoError(t, Initialize(tempDir, true, "info", 0))
	defer resetState()

	logger := Get(CategoryTransport)
	logger.Info("exchange complete")
	logger.file.Sync()

	entries, _ := os.ReadDir(filepath.Join(tempDir, ".cpl", "logs"))
	var content []byte
	for _, e := range entries {
		if strings.Contains(e.Name(), "transport") {
			content, _ = os.ReadFile(filepath.Join(tempDir, ".cpl", "logs", e.Name()))
		}
	}
	require.Contains(t, string(content), `"cat":"transport"`)
}

func TestPruneBacklogKeepsOnlyRecentFiles(t *testing.T) {
	tempDir := t.TempDir()
	resetState()
	logsDir = filepath.Join(tempDir, ".cpl", "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0o755))
	backlog = 2

	for _, day := range []string{"2026-01-01", "2026-01-02", "2026-01-03", "2026-01-04"} {
		path := filepath.Join(logsDir, day+"_runner.log")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	require.NoError(t, pruneBacklog())

	entries, err := os.ReadDir(logsDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "2026-01-03_runner.log", entries[0].Name())
	require.Equal(t, "2026-01-04_runner.log", entries[1].Name())

	resetState()
}
