// Package config loads the nbpilot configuration file.
//
// The file is JSONC (JSON with comments and trailing commas) so users can
// annotate their kernel setup. Missing file means defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the full server configuration.
type Config struct {
	Kernel KernelConfig `json:"kernel"`
	Assets AssetConfig  `json:"assets"`
	Limits LimitsConfig `json:"limits"`
	Server ServerConfig `json:"server"`
}

// KernelConfig describes how interpreter processes are launched.
type KernelConfig struct {
	// Command is the argv used to launch a kernel shim. The shim speaks
	// newline-delimited JSON on stdin/stdout (see internal/kernel).
	Command []string `json:"command"`
	// StartupTimeoutMS bounds the wait for the shim's hello banner.
	StartupTimeoutMS int `json:"startup_timeout_ms"`
	// ShutdownTimeoutMS bounds the graceful SIGTERM wait before SIGKILL.
	ShutdownTimeoutMS int `json:"shutdown_timeout_ms"`
}

// AssetConfig describes where offloaded outputs are stored.
type AssetConfig struct {
	// Root directory for offloaded outputs. Each notebook gets its own
	// namespace subdirectory underneath.
	Root string `json:"root"`
}

// LimitsConfig bounds the size of agent-visible outputs.
type LimitsConfig struct {
	// InlineLimitBytes is the ceiling for inlined text. Anything larger is
	// offloaded to the asset store and truncated head+tail inline.
	InlineLimitBytes int `json:"inline_limit_bytes"`
	// TableMaxRows / TableMaxCols bound HTML tables converted to text.
	TableMaxRows int `json:"table_max_rows"`
	TableMaxCols int `json:"table_max_cols"`
	// RetainedExecutions caps completed execution records kept per session.
	RetainedExecutions int `json:"retained_executions"`
	// QueueCapacity is the per-session pending execution limit.
	QueueCapacity int `json:"queue_capacity"`
}

// ServerConfig holds SSE mode settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Kernel: KernelConfig{
			Command:           []string{"python3", "-u", "-m", "nbpilot_shim"},
			StartupTimeoutMS:  15000,
			ShutdownTimeoutMS: 5000,
		},
		Assets: AssetConfig{
			Root: defaultAssetRoot(),
		},
		Limits: LimitsConfig{
			InlineLimitBytes:   2048,
			TableMaxRows:       20,
			TableMaxCols:       10,
			RetainedExecutions: 200,
			QueueCapacity:      100,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: "5059",
		},
	}
}

func defaultAssetRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "nbpilot", "assets")
	}
	return filepath.Join(os.TempDir(), "nbpilot-assets")
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nbpilot", "config.jsonc")
}

// Load reads the config at path, layered over defaults. An empty path means
// DefaultPath; a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Kernel.Command) == 0 {
		return fmt.Errorf("kernel.command must not be empty")
	}
	if c.Limits.InlineLimitBytes < 256 {
		return fmt.Errorf("limits.inline_limit_bytes must be at least 256")
	}
	if c.Limits.QueueCapacity < 1 {
		return fmt.Errorf("limits.queue_capacity must be positive")
	}
	return nil
}

// StartupTimeout returns the kernel startup bound as a duration.
func (k KernelConfig) StartupTimeout() time.Duration {
	return time.Duration(k.StartupTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful stop bound as a duration.
func (k KernelConfig) ShutdownTimeout() time.Duration {
	return time.Duration(k.ShutdownTimeoutMS) * time.Millisecond
}
