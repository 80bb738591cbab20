package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "session.max_sessions")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// namePrefixRegex validates backend name prefix characters. The prefix lands
// in tmux session names, so it must avoid the characters tmux treats
// specially (".", ":") and start with an alphanumeric.
var namePrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateBackend()...)
	errors = append(errors, c.validateReconcile()...)
	errors = append(errors, c.validateConflict()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateSession validates the SessionConfig
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.MaxSessions < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.max_sessions",
			Value:   c.Session.MaxSessions,
			Message: "must be at least 1",
		})
	}

	if c.Session.NamePrefix == "" || !namePrefixRegex.MatchString(c.Session.NamePrefix) {
		errors = append(errors, ValidationError{
			Field:   "session.name_prefix",
			Value:   c.Session.NamePrefix,
			Message: "must start with a letter and contain only letters, digits, hyphens, and underscores",
		})
	}

	if c.Session.DefaultProvider != "" && !IsValidProvider(c.Session.DefaultProvider) {
		errors = append(errors, ValidationError{
			Field:   "session.default_provider",
			Value:   c.Session.DefaultProvider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}

	return errors
}

// validateBackend validates the BackendConfig
func (c *Config) validateBackend() []ValidationError {
	var errors []ValidationError

	if c.Backend.Binary == "" {
		errors = append(errors, ValidationError{
			Field:   "backend.binary",
			Value:   c.Backend.Binary,
			Message: "must not be empty",
		})
	}

	if c.Backend.CommandTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "backend.command_timeout_seconds",
			Value:   c.Backend.CommandTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	if c.Backend.HistoryLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "backend.history_limit",
			Value:   c.Backend.HistoryLimit,
			Message: "must not be negative",
		})
	}

	if c.Backend.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "backend.workers",
			Value:   c.Backend.Workers,
			Message: "must be at least 1",
		})
	}

	if c.Backend.QueueSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "backend.queue_size",
			Value:   c.Backend.QueueSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateReconcile validates the ReconcileConfig
func (c *Config) validateReconcile() []ValidationError {
	var errors []ValidationError

	if c.Reconcile.HeartbeatIntervalMs < 100 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.heartbeat_interval_ms",
			Value:   c.Reconcile.HeartbeatIntervalMs,
			Message: "must be at least 100",
		})
	}

	if c.Reconcile.BurstIntervalMs < 50 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.burst_interval_ms",
			Value:   c.Reconcile.BurstIntervalMs,
			Message: "must be at least 50",
		})
	}

	if c.Reconcile.BurstIntervalMs > c.Reconcile.HeartbeatIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "reconcile.burst_interval_ms",
			Value:   c.Reconcile.BurstIntervalMs,
			Message: "must not exceed heartbeat_interval_ms",
		})
	}

	if c.Reconcile.BurstDurationMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.burst_duration_ms",
			Value:   c.Reconcile.BurstDurationMs,
			Message: "must not be negative",
		})
	}

	if c.Reconcile.RevivalGraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.revival_grace_seconds",
			Value:   c.Reconcile.RevivalGraceSeconds,
			Message: "must not be negative",
		})
	}

	return errors
}

// validateConflict validates the ConflictConfig
func (c *Config) validateConflict() []ValidationError {
	var errors []ValidationError

	if c.Conflict.NearLimitThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "conflict.near_limit_threshold",
			Value:   c.Conflict.NearLimitThreshold,
			Message: "must not be negative",
		})
	}

	for i, pattern := range c.Conflict.WatchGlobs {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("conflict.watch_globs[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must not be negative",
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must not be negative",
		})
	}

	return errors
}
