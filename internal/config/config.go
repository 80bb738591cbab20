// Package config defines muxkeep's configuration, loaded through viper from
// a YAML file with MUXKEEP_* environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete muxkeep configuration
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// SessionConfig controls session naming and limits
type SessionConfig struct {
	// MaxSessions is the hard cap on concurrently active sessions
	MaxSessions int `mapstructure:"max_sessions"`
	// NamePrefix is prepended to backend session names (default: "mux")
	NamePrefix string `mapstructure:"name_prefix"`
	// DefaultProvider is the provider used when a request omits one
	// Options: "claude", "codex", "gemini", "shell"
	DefaultProvider string `mapstructure:"default_provider"`
}

// BackendConfig controls how muxkeep talks to tmux
type BackendConfig struct {
	// Binary is the tmux executable name or path
	Binary string `mapstructure:"binary"`
	// Socket is the tmux socket name; empty uses the default server
	Socket string `mapstructure:"socket"`
	// CommandTimeoutSeconds bounds every tmux invocation
	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds"`
	// HistoryLimit is the number of lines of scrollback kept per session
	HistoryLimit int `mapstructure:"history_limit"`
	// Workers is the size of the async facade's worker pool
	Workers int `mapstructure:"workers"`
	// QueueSize is the async facade's pending-request capacity
	QueueSize int `mapstructure:"queue_size"`
}

// ReconcileConfig controls the observation loop cadence
type ReconcileConfig struct {
	// HeartbeatIntervalMs is the steady-state refresh cadence
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// BurstIntervalMs is the accelerated cadence after lifecycle operations
	BurstIntervalMs int `mapstructure:"burst_interval_ms"`
	// BurstDurationMs is how long a burst window lasts
	BurstDurationMs int `mapstructure:"burst_duration_ms"`
	// RevivalGraceSeconds suppresses dead-pane classification after a revive
	RevivalGraceSeconds int `mapstructure:"revival_grace_seconds"`
}

// WorkspaceConfig controls isolated git worktree provisioning
type WorkspaceConfig struct {
	// Enabled provisions an isolated worktree per session by default
	Enabled bool `mapstructure:"enabled"`
	// BaseDir is where worktrees are created; empty means {stateDir}/workspaces
	BaseDir string `mapstructure:"base_dir"`
	// EnvFiles are glob patterns for untracked files symlinked into each
	// new worktree from the source repository (e.g. ".env*")
	EnvFiles []string `mapstructure:"env_files"`
}

// ConflictConfig controls pre-creation conflict detection
type ConflictConfig struct {
	// NearLimitThreshold warns when remaining session slots drop to this many
	NearLimitThreshold int `mapstructure:"near_limit_threshold"`
	// WatchGlobs are patterns for files whose concurrent modification across
	// workspaces is reported as an overlap warning
	WatchGlobs []string `mapstructure:"watch_globs"`
}

// LoggingConfig controls structured log output
type LoggingConfig struct {
	// Enabled turns file logging on; disabled loggers write to stderr
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// MaxSizeMB is the log rotation size limit (0 disables rotation)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files to keep
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where muxkeep keeps its state
type PathsConfig struct {
	// StateDir holds state.json, history.jsonl, and logs; empty means
	// ~/.local/share/muxkeep (or $XDG_DATA_HOME/muxkeep)
	StateDir string `mapstructure:"state_dir"`
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxSessions:     10,
			NamePrefix:      "mux",
			DefaultProvider: "claude",
		},
		Backend: BackendConfig{
			Binary:                "tmux",
			Socket:                "",
			CommandTimeoutSeconds: 5,
			HistoryLimit:          50000,
			Workers:               4,
			QueueSize:             64,
		},
		Reconcile: ReconcileConfig{
			HeartbeatIntervalMs: 3000,
			BurstIntervalMs:     500,
			BurstDurationMs:     10000,
			RevivalGraceSeconds: 5,
		},
		Workspace: WorkspaceConfig{
			Enabled:  true,
			BaseDir:  "",
			EnvFiles: []string{".env", ".env.*"},
		},
		Conflict: ConflictConfig{
			NearLimitThreshold: 2,
			WatchGlobs:         []string{},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			StateDir: "",
		},
	}
}

// CommandTimeout returns the tmux command timeout as a time.Duration
func (c *BackendConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the steady-state cadence as a time.Duration
func (c *ReconcileConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// BurstInterval returns the accelerated cadence as a time.Duration
func (c *ReconcileConfig) BurstInterval() time.Duration {
	return time.Duration(c.BurstIntervalMs) * time.Millisecond
}

// BurstDuration returns the burst window length as a time.Duration
func (c *ReconcileConfig) BurstDuration() time.Duration {
	return time.Duration(c.BurstDurationMs) * time.Millisecond
}

// RevivalGrace returns the post-revival grace period as a time.Duration
func (c *ReconcileConfig) RevivalGrace() time.Duration {
	return time.Duration(c.RevivalGraceSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Session defaults
	viper.SetDefault("session.max_sessions", defaults.Session.MaxSessions)
	viper.SetDefault("session.name_prefix", defaults.Session.NamePrefix)
	viper.SetDefault("session.default_provider", defaults.Session.DefaultProvider)

	// Backend defaults
	viper.SetDefault("backend.binary", defaults.Backend.Binary)
	viper.SetDefault("backend.socket", defaults.Backend.Socket)
	viper.SetDefault("backend.command_timeout_seconds", defaults.Backend.CommandTimeoutSeconds)
	viper.SetDefault("backend.history_limit", defaults.Backend.HistoryLimit)
	viper.SetDefault("backend.workers", defaults.Backend.Workers)
	viper.SetDefault("backend.queue_size", defaults.Backend.QueueSize)

	// Reconcile defaults
	viper.SetDefault("reconcile.heartbeat_interval_ms", defaults.Reconcile.HeartbeatIntervalMs)
	viper.SetDefault("reconcile.burst_interval_ms", defaults.Reconcile.BurstIntervalMs)
	viper.SetDefault("reconcile.burst_duration_ms", defaults.Reconcile.BurstDurationMs)
	viper.SetDefault("reconcile.revival_grace_seconds", defaults.Reconcile.RevivalGraceSeconds)

	// Workspace defaults
	viper.SetDefault("workspace.enabled", defaults.Workspace.Enabled)
	viper.SetDefault("workspace.base_dir", defaults.Workspace.BaseDir)
	viper.SetDefault("workspace.env_files", defaults.Workspace.EnvFiles)

	// Conflict defaults
	viper.SetDefault("conflict.near_limit_threshold", defaults.Conflict.NearLimitThreshold)
	viper.SetDefault("conflict.watch_globs", defaults.Conflict.WatchGlobs)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Init wires viper to the config file and environment. The config file is
// optional; environment variables use the MUXKEEP_ prefix with dots replaced
// by underscores (e.g. MUXKEEP_SESSION_MAX_SESSIONS).
func Init(cfgFile string) error {
	SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(ConfigDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MUXKEEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if cfgFile != "" || !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "muxkeep")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxkeep"
	}
	return filepath.Join(home, ".config", "muxkeep")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StateDir resolves the effective state directory, falling back to the
// XDG data directory when unset.
func (c *Config) StateDir() string {
	if c.Paths.StateDir != "" {
		return c.Paths.StateDir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "muxkeep")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxkeep"
	}
	return filepath.Join(home, ".local", "share", "muxkeep")
}

// WorkspaceDir resolves the effective workspace base directory.
func (c *Config) WorkspaceDir() string {
	if c.Workspace.BaseDir != "" {
		return c.Workspace.BaseDir
	}
	return filepath.Join(c.StateDir(), "workspaces")
}

// ValidProviders returns the list of supported provider names
func ValidProviders() []string {
	return []string{"claude", "codex", "gemini", "shell"}
}

// IsValidProvider checks if the given provider is supported
func IsValidProvider(provider string) bool {
	for _, valid := range ValidProviders() {
		if provider == valid {
			return true
		}
	}
	return false
}
