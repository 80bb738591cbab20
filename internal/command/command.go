// Package command builds the shell commands handed to the tmux backend for
// each provider. A provider maps to a binary on PATH (claude, codex, gemini)
// or to the user's login shell; the builder knows how to start each one fresh
// and how to resume a previous conversation where the provider supports it.
package command

import (
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/session"
)

// ProviderShell is the provider that runs the user's login shell instead of
// an agent binary.
const ProviderShell = "shell"

// binaries maps agent providers to the binary each one requires.
var binaries = map[string]string{
	"claude": "claude",
	"codex":  "codex",
	"gemini": "gemini",
}

// Builder constructs provider commands. The lookPath hook exists so tests can
// run without the provider binaries installed.
type Builder struct {
	lookPath func(name string) (string, error)
}

// NewBuilder returns a Builder that resolves binaries against the real PATH.
func NewBuilder() *Builder {
	return &Builder{lookPath: exec.LookPath}
}

// NewBuilderWithLookPath returns a Builder with a custom binary resolver.
func NewBuilderWithLookPath(lookPath func(name string) (string, error)) *Builder {
	return &Builder{lookPath: lookPath}
}

// Binary returns the binary a provider requires.
func (b *Builder) Binary(provider string) (string, error) {
	if bin, ok := binaries[provider]; ok {
		return bin, nil
	}
	if provider == ProviderShell {
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh, nil
		}
		return "bash", nil
	}
	return "", errors.NewValidationError("unknown provider: "+provider, errors.ErrInvalidInput).WithField("provider")
}

// ValidateBinary checks that the provider's binary exists on PATH and returns
// its resolved path.
func (b *Builder) ValidateBinary(provider string) (string, error) {
	bin, err := b.Binary(provider)
	if err != nil {
		return "", err
	}
	path, err := b.lookPath(bin)
	if err != nil {
		return "", errors.NewValidationError("command "+bin+" not found in PATH", errors.ErrBinaryNotFound).WithField("provider")
	}
	return path, nil
}

// -----------------------------------------------------------------------------
// Command construction
// -----------------------------------------------------------------------------

// BuildCreate returns the argument vector for starting a fresh session.
func (b *Builder) BuildCreate(provider, prompt string) []string {
	switch provider {
	case "claude":
		args := []string{"claude"}
		if prompt != "" {
			args = append(args, prompt)
		}
		return args
	case "codex":
		args := []string{"codex"}
		if prompt != "" {
			args = append(args, prompt)
		}
		return args
	case "gemini":
		args := []string{"gemini"}
		if prompt != "" {
			args = append(args, "-p", prompt)
		}
		return args
	default:
		sh, _ := b.Binary(ProviderShell)
		return []string{sh, "-l"}
	}
}

// BuildRevive returns the argument vector for reviving a session. Sessions
// that failed get a fresh start; completed or paused sessions resume their
// previous conversation when the provider supports it.
func (b *Builder) BuildRevive(s *session.Session, wasFailed bool) []string {
	switch s.Provider {
	case "codex":
		if wasFailed {
			return b.BuildCreate(s.Provider, "")
		}
		return []string{"codex", "resume", "--last"}
	case "gemini":
		if wasFailed {
			return b.BuildCreate(s.Provider, "")
		}
		return []string{"gemini", "--resume"}
	case "claude":
		if wasFailed {
			return []string{"claude"}
		}
		if s.ResumeRef != "" {
			return []string{"claude", "--resume", s.ResumeRef}
		}
		return []string{"claude", "--continue"}
	default:
		sh, _ := b.Binary(ProviderShell)
		return []string{sh, "-l"}
	}
}

// BuildResume returns the argument vector for resuming a specific backend
// conversation by reference.
func (b *Builder) BuildResume(provider, resumeRef string) []string {
	switch provider {
	case "claude":
		return []string{"claude", "--resume", resumeRef}
	case "codex":
		return []string{"codex", "resume", "--last"}
	case "gemini":
		return []string{"gemini", "--resume"}
	default:
		sh, _ := b.Binary(ProviderShell)
		return []string{sh, "-l"}
	}
}

// -----------------------------------------------------------------------------
// Shell wrapping
// -----------------------------------------------------------------------------

// Wrap turns an argument vector into the single shell command passed to the
// backend: print the session banner, export any environment variables, run
// the command, and hold the pane open on a non-zero exit so the failure is
// readable before reconciliation marks the session.
func (b *Builder) Wrap(args []string, name, id string, env map[string]string) string {
	var sb strings.Builder
	sb.WriteString(BannerCommand(name, id))
	sb.WriteString("; ")

	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString("export ")
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(shellQuote(env[k]))
			sb.WriteString(" && ")
		}
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	sb.WriteString(strings.Join(quoted, " "))
	sb.WriteString(" || read -p 'Session ended with error. Press enter to close...'")

	return "bash -c " + shellQuote(sb.String())
}

// safeArgChars are the characters that never need shell quoting.
const safeArgChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-./=:@%+,"

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !strings.ContainsRune(safeArgChars, r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
