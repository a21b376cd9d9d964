package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ModeAPI, cfg.Transport.Mode)
	require.Equal(t, 3, cfg.Run.Iterations)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "gpt-4.1", cfg.Transport.Model)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("CPL_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Transport.Mode = ModeBrowser
	cfg.Transport.Model = "claude-3-7"
	cfg.Run.Command = "go test ./..."

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeBrowser, loaded.Transport.Mode)
	require.Equal(t, "claude-3-7", loaded.Transport.Model)
	require.Equal(t, "go test ./...", loaded.Run.Command)
}

func TestValidateRejectsOutOfRangeIterations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.APIKey = "k"
	cfg.Run.Iterations = 4
	require.Error(t, cfg.Validate())

	cfg.Run.Iterations = 0
	require.Error(t, cfg.Validate())

	cfg.Run.Iterations = 2
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.APIKey = "k"
	cfg.Transport.Mode = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresAPIKeyForAPIMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.APIKey = ""
	require.Error(t, cfg.Validate())
}

func TestCommandTimeoutDurationFallsBackOnBadValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.CommandTimeout = "not-a-duration"
	require.Equal(t, 300e9, float64(cfg.CommandTimeoutDuration()))
}
