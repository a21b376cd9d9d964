// Package config loads codepilot-loop's configuration from a YAML file,
// layered under environment variable and CLI flag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which Transport realization drives the conversation.
type Mode string

const (
	ModeAPI     Mode = "api"
	ModeBrowser Mode = "browser"
)

// TransportConfig configures how the orchestrator talks to the model.
type TransportConfig struct {
	Mode       Mode   `yaml:"mode"`
	Model      string `yaml:"model"`
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`
	APITimeout string `yaml:"api_timeout"`
	BrowserURL string `yaml:"browser_url"`
}

// RunConfig configures one iteration run.
type RunConfig struct {
	Command        string `yaml:"command"`
	AutoApprove    bool   `yaml:"auto"`
	CommandTimeout string `yaml:"timeout"`
	Iterations     int    `yaml:"iterations"`
	BranchPrefix   string `yaml:"branch_prefix"`
	Remote         string `yaml:"remote"`
	NoPush         bool   `yaml:"no_push"`
	Watch          bool   `yaml:"watch"`
}

// LoggingConfig configures the ambient categorized logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	JSON        bool   `yaml:"json"`
	BacklogDays int    `yaml:"backlog_days"`
}

// Config is the fully resolved, immutable configuration for one invocation.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Run       RunConfig       `yaml:"run"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns built-in defaults, the lowest-precedence layer.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Mode:       ModeAPI,
			Model:      "gpt-4.1",
			APIBaseURL: "https://api.openai.com/v1",
			APITimeout: "120s",
			BrowserURL: "http://localhost:9222",
		},
		Run: RunConfig{
			CommandTimeout: "300s",
			Iterations:     3,
			BranchPrefix:   "cpl",
			Remote:         "origin",
		},
		Logging: LoggingConfig{
			Level:       "info",
			BacklogDays: 7,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides layers environment variables over whatever Load already
// resolved from YAML/defaults. Env wins over YAML, but CLI flags (applied by
// the caller after Load returns) still win over env.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("CPL_API_KEY"); key != "" {
		c.Transport.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Transport.APIKey == "" {
		c.Transport.APIKey = key
	}
	if model := os.Getenv("CPL_MODEL"); model != "" {
		c.Transport.Model = model
	}
	if base := os.Getenv("CPL_API_BASE_URL"); base != "" {
		c.Transport.APIBaseURL = base
	}
	if mode := os.Getenv("CPL_MODE"); mode == string(ModeAPI) || mode == string(ModeBrowser) {
		c.Transport.Mode = Mode(mode)
	}
	if browserURL := os.Getenv("CPL_BROWSER_URL"); browserURL != "" {
		c.Transport.BrowserURL = browserURL
	}
	if cmd := os.Getenv("CPL_CMD"); cmd != "" {
		c.Run.Command = cmd
	}
	if remote := os.Getenv("CPL_REMOTE"); remote != "" {
		c.Run.Remote = remote
	}
	if level := os.Getenv("CPL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate rejects configurations the CLI should refuse to run with.
func (c *Config) Validate() error {
	if c.Transport.Mode != ModeAPI && c.Transport.Mode != ModeBrowser {
		return fmt.Errorf("invalid transport mode %q, must be %q or %q", c.Transport.Mode, ModeAPI, ModeBrowser)
	}
	if c.Run.Iterations < 1 || c.Run.Iterations > 3 {
		return fmt.Errorf("iterations must be between 1 and 3, got %d", c.Run.Iterations)
	}
	if c.Transport.Mode == ModeAPI && c.Transport.APIKey == "" {
		return fmt.Errorf("api transport requires an API key (set CPL_API_KEY or transport.api_key)")
	}
	return nil
}

// APITimeoutDuration parses the API timeout, falling back to 120s on a bad value.
func (c *Config) APITimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Transport.APITimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// CommandTimeoutDuration parses the verification command timeout, falling
// back to 300s on a bad value.
func (c *Config) CommandTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Run.CommandTimeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}
