// Package errors provides centralized error definitions and error handling
// utilities for muxkeep. It defines domain-specific errors, error constructors
// with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides one error type per failure domain:
//   - ValidationError: bad input, rejected before any state is mutated
//   - ConflictError: a blocking conflict was found before side effects
//   - BackendError: a tmux call failed or timed out
//   - WorkspaceError: workspace provisioning or teardown failed
//   - PersistenceError: a durable write failed (memory stays authoritative)
//   - PipelineError: a creation pipeline step failed
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewBackendError("has-session failed", cause).WithHandle("mux-ab12cd34")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrSessionNotFound) { ... }
//
//	var be *errors.BackendError
//	if errors.As(err, &be) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo Severity = iota
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionActive indicates an operation that requires a non-active session.
	ErrSessionActive = New("session is active")
	// ErrSessionNotRevivable indicates a revive attempt on a killed or running session.
	ErrSessionNotRevivable = New("session cannot be revived")
	// ErrSessionLimit indicates the configured session maximum was reached.
	ErrSessionLimit = New("session limit reached")
	// ErrStateCorrupted indicates that persisted state could not be parsed.
	ErrStateCorrupted = New("state data corrupted")
	// ErrInvalidTransition indicates a disallowed session state transition.
	ErrInvalidTransition = New("invalid state transition")
)

// Backend-related sentinel errors
var (
	// ErrBackendTimeout indicates a tmux call exceeded its deadline.
	ErrBackendTimeout = New("backend operation timed out")
	// ErrBackendUnavailable indicates the tmux binary could not be run.
	ErrBackendUnavailable = New("tmux not available")
	// ErrHandleNotFound indicates the backend has no session for a handle.
	ErrHandleNotFound = New("backend handle not found")
	// ErrBinaryNotFound indicates a provider binary is not on PATH.
	ErrBinaryNotFound = New("binary not found in PATH")
)

// Workspace-related sentinel errors
var (
	// ErrNotGitRepository indicates the source directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorkspaceExists indicates a workspace path is already occupied.
	ErrWorkspaceExists = New("workspace already exists")
	// ErrBranchExists indicates the requested branch already exists.
	ErrBranchExists = New("branch already exists")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrEngineClosed indicates an operation on a closed engine.
	ErrEngineClosed = New("engine is closed")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is transient.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ValidationError represents rejected input. No state has been mutated when
// a ValidationError is returned.
type ValidationError struct {
	baseError
	Field string
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField records which input field failed validation.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// ConflictError represents a blocking conflict found before any side effects.
type ConflictError struct {
	baseError
	Kind string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(message string, cause error) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithKind records the conflict kind (name-collision, at-limit, ...).
func (e *ConflictError) WithKind(kind string) *ConflictError {
	e.Kind = kind
	return e
}

// BackendError represents a failed or timed-out tmux call. It is never
// silently swallowed: a session observed through a BackendError keeps its
// current state rather than being classified as absent.
type BackendError struct {
	baseError
	Handle string
	Op     string
}

// NewBackendError creates a new BackendError.
func NewBackendError(message string, cause error) *BackendError {
	return &BackendError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithHandle adds the backend handle to the error context.
func (e *BackendError) WithHandle(handle string) *BackendError {
	e.Handle = handle
	return e
}

// WithOp records the tmux operation that failed.
func (e *BackendError) WithOp(op string) *BackendError {
	e.Op = op
	return e
}

// WorkspaceError represents a failed workspace operation. During creation it
// is downgraded to an advisory warning via the non-isolated fallback; during
// teardown it is surfaced, since an orphaned workspace is a resource leak.
type WorkspaceError struct {
	baseError
	Path   string
	Branch string
}

// NewWorkspaceError creates a new WorkspaceError.
func NewWorkspaceError(message string, cause error) *WorkspaceError {
	return &WorkspaceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithPath adds the workspace path to the error context.
func (e *WorkspaceError) WithPath(path string) *WorkspaceError {
	e.Path = path
	return e
}

// WithBranch adds the branch name to the error context.
func (e *WorkspaceError) WithBranch(branch string) *WorkspaceError {
	e.Branch = branch
	return e
}

// PersistenceError represents a failed durable write. The in-memory registry
// remains authoritative for the running process, but the condition is
// surfaced to the caller since a restart would lose the update.
type PersistenceError struct {
	baseError
	Path string
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(message string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  true,
			userFacing: false,
		},
	}
}

// WithPath adds the storage path to the error context.
func (e *PersistenceError) WithPath(path string) *PersistenceError {
	e.Path = path
	return e
}

// PipelineError represents a creation pipeline step failure. It names the
// offending step so creation failures are actionable for the caller.
type PipelineError struct {
	baseError
	Step string
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(message string, cause error) *PipelineError {
	return &PipelineError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithStep records the pipeline step that failed.
func (e *PipelineError) WithStep(step string) *PipelineError {
	e.Step = step
	return e
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// classified is implemented by all errors in this package.
type classified interface {
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

// IsRetryable reports whether err (or any error in its chain) is transient.
func IsRetryable(err error) bool {
	var c classified
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// IsUserFacing reports whether err is safe to display to end users.
func IsUserFacing(err error) bool {
	var c classified
	if errors.As(err, &c) {
		return c.IsUserFacing()
	}
	return false
}

// SeverityOf returns the severity of err, or SeverityError for
// unclassified errors.
func SeverityOf(err error) Severity {
	var c classified
	if errors.As(err, &c) {
		return c.Severity()
	}
	return SeverityError
}
