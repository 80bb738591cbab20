// Package workspace provisions isolated git worktrees for sessions. Each
// isolated session gets its own worktree on a dedicated branch named
// {name}-{id[:8]}, so concurrent sessions never share a checkout.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/logging"
	"github.com/muxkeep/muxkeep/internal/session"
)

// gitTimeout bounds every git invocation. A hung git (credential prompt,
// dead network filesystem) must not stall session creation indefinitely.
var gitTimeout = 30 * time.Second

// gitRunner executes a git invocation in dir and returns combined output.
// It exists so tests can substitute a fake git.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// Manager creates and destroys session worktrees under a base directory.
type Manager struct {
	sourceRepo string
	baseDir    string
	envGlobs   []string
	run        gitRunner
	logger     *logging.Logger
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. The .git entry can be a directory (normal repo) or a file
// (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ErrNotGitRepository
		}
		dir = parent
	}
}

// IsGitRepo reports whether dir is inside a git repository.
func IsGitRepo(dir string) bool {
	_, err := FindGitRoot(dir)
	return err == nil
}

// New creates a Manager for worktrees of the repository containing
// sourceDir. envGlobs name untracked files (e.g. ".env*") symlinked from
// the repo root into each new worktree.
func New(sourceDir, baseDir string, envGlobs []string) (*Manager, error) {
	gitRoot, err := FindGitRoot(sourceDir)
	if err != nil {
		return nil, errors.NewWorkspaceError(fmt.Sprintf("not a git repository: %s", sourceDir), err)
	}

	m := &Manager{
		sourceRepo: gitRoot,
		baseDir:    baseDir,
		envGlobs:   envGlobs,
		logger:     logging.NopLogger(),
	}
	m.run = m.execGit
	return m, nil
}

// SetLogger replaces the manager's logger. Passing nil restores the no-op logger.
func (m *Manager) SetLogger(logger *logging.Logger) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m.logger = logger.WithComponent("workspace")
}

// SourceRepo returns the resolved repository root.
func (m *Manager) SourceRepo() string { return m.sourceRepo }

// BranchName derives the worktree branch for a session. The short ID keeps
// branches unique even when display names collide historically.
func BranchName(name, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return name + "-" + short
}

// Provision creates a worktree and branch for the session. fromRef is the
// starting point; empty means current HEAD. Env files matching the
// configured globs are symlinked from the repo root so untracked local
// configuration follows the session.
func (m *Manager) Provision(ctx context.Context, name, id, fromRef string) (*session.WorkspaceRef, error) {
	branch := BranchName(name, id)
	path := filepath.Join(m.baseDir, branch)

	if _, err := os.Stat(path); err == nil {
		return nil, errors.NewWorkspaceError("workspace path occupied", errors.ErrWorkspaceExists).WithPath(path)
	}
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, errors.NewWorkspaceError("failed to create workspace base directory", err).WithPath(m.baseDir)
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if fromRef != "" {
		args = append(args, fromRef)
	}
	if out, err := m.run(ctx, m.sourceRepo, args...); err != nil {
		if strings.Contains(out, "already exists") {
			return nil, errors.NewWorkspaceError("branch already exists", errors.ErrBranchExists).WithBranch(branch)
		}
		return nil, errors.NewWorkspaceError(
			fmt.Sprintf("failed to create worktree: %s", strings.TrimSpace(out)), err).WithPath(path).WithBranch(branch)
	}

	m.linkEnvFiles(path)

	m.logger.Info("provisioned workspace", "path", path, "branch", branch)
	return &session.WorkspaceRef{
		Path:       path,
		Branch:     branch,
		SourceRepo: m.sourceRepo,
	}, nil
}

// linkEnvFiles symlinks repo-root files matching the env globs into the
// worktree. Failures are logged, not fatal: a missing .env never blocks
// session creation.
func (m *Manager) linkEnvFiles(worktreePath string) {
	if len(m.envGlobs) == 0 {
		return
	}

	var matchers []glob.Glob
	for _, pattern := range m.envGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			m.logger.Warn("invalid env file pattern", "pattern", pattern, "error", err)
			continue
		}
		matchers = append(matchers, g)
	}

	entries, err := os.ReadDir(m.sourceRepo)
	if err != nil {
		m.logger.Warn("failed to scan source repo for env files", "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		matched := false
		for _, g := range matchers {
			if g.Match(name) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		target := filepath.Join(m.sourceRepo, name)
		link := filepath.Join(worktreePath, name)
		if _, err := os.Lstat(link); err == nil {
			continue // tracked copy already checked out
		}
		if err := os.Symlink(target, link); err != nil {
			m.logger.Warn("failed to link env file", "file", name, "error", err)
		}
	}
}

// Destroy removes a session's worktree. It is idempotent: a worktree that
// is already gone only triggers a prune. The branch is deleted best-effort;
// a branch with unmerged work that git refuses to delete is left behind and
// logged.
func (m *Manager) Destroy(ctx context.Context, ref *session.WorkspaceRef) error {
	if ref == nil {
		return nil
	}

	if _, err := os.Stat(ref.Path); os.IsNotExist(err) {
		_, _ = m.run(ctx, m.sourceRepo, "worktree", "prune")
		return nil
	}

	if out, err := m.run(ctx, m.sourceRepo, "worktree", "remove", "--force", ref.Path); err != nil {
		// Fall back to manual removal plus prune; a half-removed
		// worktree otherwise wedges future creates.
		os.RemoveAll(ref.Path)
		_, _ = m.run(ctx, m.sourceRepo, "worktree", "prune")
		if _, statErr := os.Stat(ref.Path); statErr == nil {
			return errors.NewWorkspaceError(
				fmt.Sprintf("failed to remove worktree: %s", strings.TrimSpace(out)), err).WithPath(ref.Path)
		}
	}

	if ref.Branch != "" {
		if out, err := m.run(ctx, m.sourceRepo, "branch", "-D", ref.Branch); err != nil {
			m.logger.Warn("failed to delete workspace branch", "branch", ref.Branch, "output", strings.TrimSpace(out))
		}
	}

	m.logger.Info("destroyed workspace", "path", ref.Path, "branch", ref.Branch)
	return nil
}

// List returns the paths of all worktrees of the source repository.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, m.sourceRepo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewWorkspaceError("failed to list worktrees", err)
	}

	var worktrees []string
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees, nil
}

// ListOrphans returns worktrees under the managed base directory that no
// known session references. These are leftovers from crashes or manual
// deletion of state.
func (m *Manager) ListOrphans(ctx context.Context, known map[string]bool) ([]string, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	base := filepath.Clean(m.baseDir) + string(os.PathSeparator)
	var orphans []string
	for _, path := range all {
		if !strings.HasPrefix(filepath.Clean(path)+string(os.PathSeparator), base) {
			continue // not ours (includes the main checkout)
		}
		if !known[path] {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// PruneStale drops git's records of worktrees whose directories vanished.
func (m *Manager) PruneStale(ctx context.Context) error {
	if _, err := m.run(ctx, m.sourceRepo, "worktree", "prune"); err != nil {
		return errors.NewWorkspaceError("failed to prune worktrees", err)
	}
	return nil
}

// execGit is the production runner backed by os/exec.
func (m *Manager) execGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), errors.NewWorkspaceError(fmt.Sprintf("git %s timed out after %s", strings.Join(args, " "), gitTimeout), err)
	}
	return string(out), err
}
