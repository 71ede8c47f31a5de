// Package config loads tool configuration from .flowlint/config.yaml,
// layering environment overrides on top of baked-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DotDir is the per-workspace directory everything lives in.
const DotDir = ".flowlint"

// Config holds all flowlint configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Lint    LintConfig    `yaml:"lint"`
	Format  FormatConfig  `yaml:"format"`
	Run     RunConfig     `yaml:"run"`
	Watch   WatchConfig   `yaml:"watch"`
	History HistoryConfig `yaml:"history"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// LintConfig tunes the rule engine.
type LintConfig struct {
	// Severity overrides per rule name.
	Severity map[string]string `yaml:"severity"`
	// Disable drops rules entirely.
	Disable []string `yaml:"disable"`
	// AllowedActions are extra uses: slugs the runner accepts in strict
	// mode.
	AllowedActions []string `yaml:"allowed_actions"`
}

// FormatterConfig is one command formatter (source on stdin, formatted
// output on stdout).
type FormatterConfig struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Patterns []string `yaml:"patterns"`
}

// FormatConfig configures the diff-aware format check.
type FormatConfig struct {
	Formatters []FormatterConfig `yaml:"formatters"`
	// Parallelism caps concurrent format checks; 0 means GOMAXPROCS.
	Parallelism int `yaml:"parallelism"`
}

// RetryConfig is the step retry policy for infrastructure failures.
type RetryConfig struct {
	Attempts     int `yaml:"attempts"`
	BackoffMs    int `yaml:"backoff_ms"`
	MaxBackoffMs int `yaml:"max_backoff_ms"`
}

// RunConfig configures local workflow execution.
type RunConfig struct {
	Shell          string      `yaml:"shell"`
	EnvAllowlist   []string    `yaml:"env_allowlist"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	MaxOutputKB    int         `yaml:"max_output_kb"`
	Retry          RetryConfig `yaml:"retry"`
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	DebounceMs int      `yaml:"debounce_ms"`
	Paths      []string `yaml:"paths"`
}

// HistoryConfig configures run history persistence.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	Keep    int  `yaml:"keep"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Format: FormatConfig{
			Formatters: []FormatterConfig{
				{
					Name:     "black",
					Command:  "black",
					Args:     []string{"--quiet", "-"},
					Patterns: []string{"*.py", "*.pyi"},
				},
				{
					Name:     "gofmt",
					Command:  "gofmt",
					Patterns: []string{"*.go"},
				},
			},
		},
		Run: RunConfig{
			Shell:          "sh",
			EnvAllowlist:   []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR"},
			TimeoutSeconds: 300,
			MaxOutputKB:    1024,
			Retry: RetryConfig{
				Attempts:     1,
				BackoffMs:    250,
				MaxBackoffMs: 5000,
			},
		},
		Watch: WatchConfig{
			DebounceMs: 400,
			Paths:      []string{filepath.Join(".github", "workflows"), "."},
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    200,
		},
	}
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, DotDir, "config.yaml")
}

// RulesDir returns the custom rule directory for a workspace.
func RulesDir(workspace string) string {
	return filepath.Join(workspace, DotDir, "rules")
}

// PluginsDir returns the plugin directory for a workspace.
func PluginsDir(workspace string) string {
	return filepath.Join(workspace, DotDir, "plugins")
}

// HistoryPath returns the history database location for a workspace.
func HistoryPath(workspace string) string {
	return filepath.Join(workspace, DotDir, "history.db")
}

// Load reads the workspace configuration. A missing file just means
// defaults; environment overrides apply either way.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from an explicit path. Unlike Load, a
// missing file is an error here because the caller asked for it.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FLOWLINT_* environment variables on top of
// file values: FLOWLINT_LOG_LEVEL, FLOWLINT_LOG_JSON, FLOWLINT_SHELL,
// FLOWLINT_RUN_TIMEOUT (seconds), FLOWLINT_HISTORY_DISABLED.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("FLOWLINT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if v := os.Getenv("FLOWLINT_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		}
	}
	if shell := os.Getenv("FLOWLINT_SHELL"); shell != "" {
		c.Run.Shell = shell
	}
	if v := os.Getenv("FLOWLINT_RUN_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Run.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv("FLOWLINT_HISTORY_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			c.History.Enabled = false
		}
	}
}

var validSeverities = map[string]bool{"info": true, "warning": true, "error": true}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	for rule, sev := range c.Lint.Severity {
		if !validSeverities[sev] {
			return fmt.Errorf("invalid severity %q for rule %s (valid: info, warning, error)", sev, rule)
		}
	}
	for i, f := range c.Format.Formatters {
		if f.Name == "" {
			return fmt.Errorf("formatter %d has no name", i)
		}
		if f.Command == "" {
			return fmt.Errorf("formatter %s has no command", f.Name)
		}
		if len(f.Patterns) == 0 {
			return fmt.Errorf("formatter %s has no patterns", f.Name)
		}
	}
	if c.Format.Parallelism < 0 {
		return fmt.Errorf("format parallelism must not be negative")
	}
	if c.Run.TimeoutSeconds <= 0 {
		return fmt.Errorf("run timeout_seconds must be positive")
	}
	if c.Run.MaxOutputKB <= 0 {
		return fmt.Errorf("run max_output_kb must be positive")
	}
	if c.Run.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Watch.DebounceMs <= 0 {
		return fmt.Errorf("watch debounce_ms must be positive")
	}
	if c.History.Keep < 0 {
		return fmt.Errorf("history keep must not be negative")
	}
	return nil
}

// RunTimeout returns the per-command execution budget.
func (c *Config) RunTimeout() time.Duration {
	if c.Run.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Run.TimeoutSeconds) * time.Second
}

// MaxOutputBytes returns the captured output cap per command.
func (c *Config) MaxOutputBytes() int64 {
	if c.Run.MaxOutputKB <= 0 {
		return 1024 * 1024
	}
	return int64(c.Run.MaxOutputKB) * 1024
}

// Debounce returns the watcher settle window.
func (c *Config) Debounce() time.Duration {
	if c.Watch.DebounceMs <= 0 {
		return 400 * time.Millisecond
	}
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// Backoff returns the base retry delay.
func (c *Config) Backoff() time.Duration {
	if c.Run.Retry.BackoffMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Run.Retry.BackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (c *Config) MaxBackoff() time.Duration {
	if c.Run.Retry.MaxBackoffMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Run.Retry.MaxBackoffMs) * time.Millisecond
}
