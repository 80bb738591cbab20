// Package tmux is muxkeep's adapter to the tmux server. Every interaction
// with tmux goes through this package: session creation, liveness probes,
// pane inspection, output capture, and teardown.
//
// Muxkeep can run against a dedicated socket (-L style isolation) or the
// user's default server. All commands are bounded by a timeout so a hung
// tmux server degrades into a typed BackendError instead of a stalled
// caller. A timeout is never interpreted as "session absent": callers that
// probe for existence receive the error and keep their previous view of the
// world.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/logging"
)

// runner executes a tmux invocation and returns its stdout.
// It exists so tests can substitute a fake tmux.
type runner func(ctx context.Context, args ...string) (string, error)

// Pane describes the single pane of a managed session.
type Pane struct {
	// Dead reports whether the pane's command has exited.
	Dead bool
	// ExitStatus is the command's exit code; nil while the pane is alive
	// or when tmux did not report one.
	ExitStatus *int
	// PID is the pane's process ID, 0 when unknown.
	PID int
}

// Service is the synchronous tmux adapter. All methods are safe for
// concurrent use; tmux itself serializes commands per server.
type Service struct {
	binary       string
	socket       string
	timeout      time.Duration
	historyLimit int
	run          runner
	logger       *logging.Logger
}

// NewService creates a Service from backend configuration.
func NewService(cfg config.BackendConfig) *Service {
	s := &Service{
		binary:       cfg.Binary,
		socket:       cfg.Socket,
		timeout:      cfg.CommandTimeout(),
		historyLimit: cfg.HistoryLimit,
		logger:       logging.NopLogger(),
	}
	s.run = s.execRun
	return s
}

// NewServiceWithRunner creates a Service whose commands are executed by run
// instead of os/exec. Used by tests that fake the tmux server.
func NewServiceWithRunner(cfg config.BackendConfig, run func(ctx context.Context, args ...string) (string, error)) *Service {
	s := NewService(cfg)
	s.run = run
	return s
}

// SetLogger replaces the service's logger. Passing nil restores the no-op logger.
func (s *Service) SetLogger(logger *logging.Logger) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s.logger = logger.WithComponent("tmux")
}

// Available reports whether the tmux binary can be found on PATH.
func (s *Service) Available() error {
	if _, err := exec.LookPath(s.binary); err != nil {
		return errors.NewBackendError("tmux binary not found", errors.ErrBackendUnavailable).WithOp("lookpath")
	}
	return nil
}

// Has reports whether a session with the given name exists.
// A command failure (including timeout) is returned as a BackendError and
// must not be read as absence.
func (s *Service) Has(ctx context.Context, name string) (bool, error) {
	// The = prefix forces an exact match; tmux otherwise prefix-matches
	// target session names.
	_, err := s.command(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if isBackendFailure(err) {
		return false, s.backendErr("has-session", name, err)
	}
	// Non-zero exit with a live server means the session does not exist.
	return false, nil
}

// Spawn creates a detached session named name running command in workdir.
// The pane is configured to remain after the command exits so the exit
// status stays observable until the session is reaped.
func (s *Service) Spawn(ctx context.Context, name, workdir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	args = append(args, command)

	if _, err := s.command(ctx, args...); err != nil {
		return s.backendErr("new-session", name, err)
	}

	// Option failures are logged but do not fail the spawn; the session
	// is already running.
	if s.historyLimit > 0 {
		if _, err := s.command(ctx, "set-option", "-t", "="+name, "history-limit", strconv.Itoa(s.historyLimit)); err != nil {
			s.logger.Warn("failed to set history-limit", "handle", name, "error", err)
		}
	}
	if _, err := s.command(ctx, "set-option", "-t", "="+name, "remain-on-exit", "on"); err != nil {
		s.logger.Warn("failed to set remain-on-exit", "handle", name, "error", err)
	}

	s.logger.Debug("spawned session", "handle", name, "workdir", workdir)
	return nil
}

// Kill destroys the named session. Killing a session that does not exist
// is not an error.
func (s *Service) Kill(ctx context.Context, name string) error {
	_, err := s.command(ctx, "kill-session", "-t", "="+name)
	if err == nil || isNotFound(err) {
		return nil
	}
	return s.backendErr("kill-session", name, err)
}

// PaneInfo returns liveness details for the session's pane.
// Returns ErrHandleNotFound (wrapped) when the session does not exist.
func (s *Service) PaneInfo(ctx context.Context, name string) (*Pane, error) {
	out, err := s.command(ctx, "display-message", "-p", "-t", "="+name,
		"#{pane_dead} #{pane_dead_status} #{pane_pid}")
	if err != nil {
		if isBackendFailure(err) {
			return nil, s.backendErr("display-message", name, err)
		}
		return nil, errors.ErrHandleNotFound
	}
	return parsePane(out)
}

// parsePane parses "#{pane_dead} #{pane_dead_status} #{pane_pid}" output.
// pane_dead_status is empty while the pane is alive, so the field count
// varies between two and three.
func parsePane(out string) (*Pane, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return nil, errors.NewBackendError(
			fmt.Sprintf("unexpected pane format %q", strings.TrimSpace(out)), nil).WithOp("display-message")
	}

	pane := &Pane{Dead: fields[0] == "1"}

	if len(fields) == 3 {
		if status, err := strconv.Atoi(fields[1]); err == nil {
			pane.ExitStatus = &status
		}
		if pid, err := strconv.Atoi(fields[2]); err == nil {
			pane.PID = pid
		}
	} else {
		if pid, err := strconv.Atoi(fields[1]); err == nil {
			pane.PID = pid
		}
	}

	return pane, nil
}

// Capture returns the last lines of the session's pane content.
// lines <= 0 captures the visible pane only.
func (s *Service) Capture(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", "=" + name}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	out, err := s.command(ctx, args...)
	if err != nil {
		if isBackendFailure(err) {
			return "", s.backendErr("capture-pane", name, err)
		}
		return "", errors.ErrHandleNotFound
	}
	return out, nil
}

// List returns the names of all sessions on the configured server.
// A server that is not running yields an empty list.
func (s *Service) List(ctx context.Context) ([]string, error) {
	out, err := s.command(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isBackendFailure(err) {
			return nil, s.backendErr("list-sessions", "", err)
		}
		// "no server running" exits non-zero; treat as no sessions.
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendKeys types text into the session followed by Enter.
func (s *Service) SendKeys(ctx context.Context, name, text string) error {
	if _, err := s.command(ctx, "send-keys", "-t", "="+name, text, "Enter"); err != nil {
		return s.backendErr("send-keys", name, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// command runs one tmux invocation under the configured timeout.
func (s *Service) command(ctx context.Context, cmd ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, s.args(cmd...)...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%w: %s", errors.ErrBackendTimeout, cmd[0])
	}
	return out, err
}

// args prepends the socket flag when a dedicated socket is configured.
func (s *Service) args(cmd ...string) []string {
	if s.socket == "" {
		return cmd
	}
	return append([]string{"-L", s.socket}, cmd...)
}

// execRun is the production runner backed by os/exec.
func (s *Service) execRun(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, s.binary, args...).Output()
	return string(out), err
}

// backendErr wraps a raw failure in a BackendError with op and handle context.
func (s *Service) backendErr(op, handle string, err error) error {
	be := errors.NewBackendError(fmt.Sprintf("tmux %s failed", op), err).WithOp(op)
	if handle != "" {
		be = be.WithHandle(handle)
	}
	return be
}

// isBackendFailure distinguishes infrastructure failures (timeout, missing
// binary) from ordinary non-zero exits that carry meaning (no such session,
// no server running).
func isBackendFailure(err error) bool {
	if errors.Is(err, errors.ErrBackendTimeout) || errors.Is(err, context.Canceled) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	// Not an exit status: exec itself failed (binary missing, fork error).
	return true
}

// isNotFound reports whether err is a tmux "can't find session" exit.
func isNotFound(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := string(exitErr.Stderr)
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "session not found")
}
