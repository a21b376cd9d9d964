package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_APIKeyPrecedence(t *testing.T) {
	t.Run("OPENAI_API_KEY fills an empty key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "oa-key")
		t.Setenv("CPL_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		require.Equal(t, "oa-key", cfg.Transport.APIKey)
	})

	t.Run("CPL_API_KEY wins over OPENAI_API_KEY", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "oa-key")
		t.Setenv("CPL_API_KEY", "cpl-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		require.Equal(t, "cpl-key", cfg.Transport.APIKey)
	})

	t.Run("OPENAI_API_KEY does not override an explicit key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "oa-key")
		t.Setenv("CPL_API_KEY", "")

		cfg := &Config{Transport: TransportConfig{APIKey: "explicit"}}
		cfg.applyEnvOverrides()

		require.Equal(t, "explicit", cfg.Transport.APIKey)
	})
}

func TestEnvOverrides_Mode(t *testing.T) {
	t.Setenv("CPL_MODE", "browser")
	cfg := &Config{Transport: TransportConfig{Mode: ModeAPI}}
	cfg.applyEnvOverrides()
	require.Equal(t, ModeBrowser, cfg.Transport.Mode)
}

func TestEnvOverrides_IgnoresUnknownMode(t *testing.T) {
	t.Setenv("CPL_MODE", "telepathy")
	cfg := &Config{Transport: TransportConfig{Mode: ModeAPI}}
	cfg.applyEnvOverrides()
	require.Equal(t, ModeAPI, cfg.Transport.Mode)
}

func TestEnvOverrides_CommandAndRemote(t *testing.T) {
	t.Setenv("CPL_CMD", "make test")
	t.Setenv("CPL_REMOTE", "upstream")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	require.Equal(t, "make test", cfg.Run.Command)
	require.Equal(t, "upstream", cfg.Run.Remote)
}
