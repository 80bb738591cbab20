// Package pipeline runs session creation as an explicit sequence of steps.
// Each step does one thing and short-circuits the run on failure, which keeps
// rollback obvious: whatever earlier steps created (worktree, backend
// session) is torn down when a later step aborts the run.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/muxkeep/muxkeep/internal/command"
	"github.com/muxkeep/muxkeep/internal/config"
	"github.com/muxkeep/muxkeep/internal/conflict"
	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/event"
	"github.com/muxkeep/muxkeep/internal/logging"
	"github.com/muxkeep/muxkeep/internal/session"
	"github.com/muxkeep/muxkeep/internal/tmux"
	"github.com/muxkeep/muxkeep/internal/workspace"
)

const maxNameLength = 64

// StepResult carries a step's outcome. RolledBack records that earlier
// steps' side effects were torn down on the way out.
type StepResult[T any] struct {
	Value      T
	Err        error
	RolledBack bool
}

func succeed[T any](v T) StepResult[T] {
	return StepResult[T]{Value: v}
}

func fail[T any](err error) StepResult[T] {
	return StepResult[T]{Err: err}
}

// CreateContext accumulates state as the request moves through the steps.
type CreateContext struct {
	// Request fields, set by the caller.
	Name     string
	Provider string
	Prompt   string
	WorkDir  string
	Env      map[string]string

	// Filled in by steps.
	Session   *session.Session
	Workspace *session.WorkspaceRef
	Command   string
	Warnings  []string

	// spawned records that the backend session exists, so rollback knows
	// to tear it down.
	spawned bool
}

// Step is one stage of the creation pipeline.
type Step interface {
	Name() string
	Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext]
}

// Backend is the slice of the tmux service the pipeline needs. Kill is
// used to tear down a spawned session when a later step fails.
type Backend interface {
	Spawn(ctx context.Context, name, workdir, command string) error
	Kill(ctx context.Context, name string) error
}

// Workspaces is the slice of the workspace manager the pipeline needs. Nil
// when isolation is disabled or the working directory is not a git repo.
type Workspaces interface {
	Provision(ctx context.Context, name, id, fromRef string) (*session.WorkspaceRef, error)
	Destroy(ctx context.Context, ref *session.WorkspaceRef) error
	SourceRepo() string
}

// Overlapper supplies current cross-workspace file collisions.
type Overlapper interface {
	Overlaps() []conflict.Overlap
}

// Pipeline wires the steps to their collaborators.
type Pipeline struct {
	cfg        *config.Config
	registry   *session.Registry
	backend    Backend
	workspaces Workspaces
	builder    *command.Builder
	overlaps   Overlapper
	bus        *event.Bus
	logger     *logging.Logger
	burst      func()
}

// Options carries the pipeline's collaborators. Workspaces, Overlaps, Bus and
// Burst may be nil.
type Options struct {
	Config     *config.Config
	Registry   *session.Registry
	Backend    Backend
	Workspaces Workspaces
	Builder    *command.Builder
	Overlaps   Overlapper
	Bus        *event.Bus
	Logger     *logging.Logger
	Burst      func()
}

// New builds a creation pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Pipeline{
		cfg:        opts.Config,
		registry:   opts.Registry,
		backend:    opts.Backend,
		workspaces: opts.Workspaces,
		builder:    opts.Builder,
		overlaps:   opts.Overlaps,
		bus:        opts.Bus,
		logger:     logger.WithComponent("pipeline"),
		burst:      opts.Burst,
	}
}

func (p *Pipeline) steps() []Step {
	return []Step{
		&validateRequest{p},
		&detectConflicts{p},
		&resolveSettings{p},
		&provisionWorkspace{p},
		&buildCommand{p},
		&spawn{p},
		&register{p},
	}
}

// Run executes the pipeline. On failure the provisioned worktree and the
// spawned backend session are destroyed before the error is returned.
func (p *Pipeline) Run(ctx context.Context, cc *CreateContext) StepResult[*session.Session] {
	for _, step := range p.steps() {
		res := step.Run(ctx, cc)
		if res.Err != nil {
			p.logger.Warn("creation step failed", "step", step.Name(), "name", cc.Name, "error", res.Err)
			rolledBack := p.rollback(ctx, cc)
			return StepResult[*session.Session]{Err: res.Err, RolledBack: rolledBack}
		}
		cc = res.Value
	}
	return succeed(cc.Session)
}

// rollback tears down whatever a failed run created: the spawned backend
// session and the provisioned workspace. If the record made it into the
// registry the session is live despite the reported error (a persistence
// failure leaves memory authoritative), so its resources are left alone.
func (p *Pipeline) rollback(ctx context.Context, cc *CreateContext) bool {
	if cc.Session != nil {
		if _, err := p.registry.Get(cc.Session.ID); err == nil {
			return false
		}
	}

	rolled := false
	if cc.spawned {
		handle := cc.Session.Handle(p.cfg.Session.NamePrefix)
		if err := p.backend.Kill(ctx, handle); err != nil {
			p.logger.Error("backend rollback failed", "handle", handle, "error", err)
		} else {
			p.logger.Info("backend session rolled back", "handle", handle)
			cc.spawned = false
			rolled = true
		}
	}
	if cc.Workspace != nil && p.workspaces != nil {
		if err := p.workspaces.Destroy(ctx, cc.Workspace); err != nil {
			p.logger.Error("workspace rollback failed", "path", cc.Workspace.Path, "error", err)
		} else {
			p.logger.Info("workspace rolled back", "path", cc.Workspace.Path)
			cc.Workspace = nil
			rolled = true
		}
	}
	return rolled
}

// -----------------------------------------------------------------------------
// Steps
// -----------------------------------------------------------------------------

type validateRequest struct{ p *Pipeline }

func (s *validateRequest) Name() string { return "validate-request" }

func (s *validateRequest) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	if cc.Name == "" {
		return fail[*CreateContext](errors.NewValidationError("session name is required", errors.ErrInvalidInput).WithField("name"))
	}
	if len(cc.Name) > maxNameLength {
		return fail[*CreateContext](errors.NewValidationError(fmt.Sprintf("session name exceeds %d characters", maxNameLength), errors.ErrInvalidInput).WithField("name"))
	}
	if cc.Provider == "" {
		cc.Provider = s.p.cfg.Session.DefaultProvider
	}
	if _, err := s.p.builder.Binary(cc.Provider); err != nil {
		return fail[*CreateContext](err)
	}
	return succeed(cc)
}

type detectConflicts struct{ p *Pipeline }

func (s *detectConflicts) Name() string { return "detect-conflicts" }

func (s *detectConflicts) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	var overlaps []conflict.Overlap
	if s.p.overlaps != nil {
		overlaps = s.p.overlaps.Overlaps()
	}
	findings := conflict.Detect(conflict.Input{
		Name:               cc.Name,
		ExistingNames:      s.p.registry.ReservedNames(),
		ActiveCount:        s.p.registry.ActiveCount(),
		MaxSessions:        s.p.cfg.Session.MaxSessions,
		NearLimitThreshold: s.p.cfg.Conflict.NearLimitThreshold,
		Overlaps:           overlaps,
	})
	for _, f := range findings {
		if f.Blocking {
			cause := errors.ErrInvalidInput
			if f.Kind == conflict.KindAtLimit {
				cause = errors.ErrSessionLimit
			}
			return fail[*CreateContext](errors.NewConflictError(f.Message, cause).WithKind(string(f.Kind)))
		}
		cc.Warnings = append(cc.Warnings, f.Message)
	}
	return succeed(cc)
}

type resolveSettings struct{ p *Pipeline }

func (s *resolveSettings) Name() string { return "resolve-settings" }

func (s *resolveSettings) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	cc.Session = session.New(cc.Name, cc.Provider, cc.Prompt)
	if cc.WorkDir == "" {
		if s.p.workspaces != nil {
			cc.WorkDir = s.p.workspaces.SourceRepo()
		} else if wd, err := os.Getwd(); err == nil {
			cc.WorkDir = wd
		}
	}
	cc.Session.WorkDir = cc.WorkDir
	return succeed(cc)
}

type provisionWorkspace struct{ p *Pipeline }

func (s *provisionWorkspace) Name() string { return "provision-workspace" }

// Workspace provisioning never aborts creation: on failure the session runs
// non-isolated in the original working directory and the caller gets exactly
// one advisory warning.
func (s *provisionWorkspace) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	if s.p.workspaces == nil || !s.p.cfg.Workspace.Enabled {
		return succeed(cc)
	}
	ref, err := s.p.workspaces.Provision(ctx, cc.Name, cc.Session.ID, "")
	if err != nil {
		s.p.logger.Warn("workspace provisioning failed, running non-isolated",
			"session_id", cc.Session.ID, "error", err)
		warning := fmt.Sprintf("workspace isolation unavailable (%v); running in %s", err, cc.WorkDir)
		cc.Warnings = append(cc.Warnings, warning)
		if s.p.bus != nil {
			s.p.bus.Publish(event.NewWorkspaceWarningEvent(cc.Session.ID, cc.Name, warning))
		}
		return succeed(cc)
	}
	cc.Workspace = ref
	cc.Session.Workspace = ref
	cc.Session.WorkDir = ref.Path
	cc.WorkDir = ref.Path
	return succeed(cc)
}

type buildCommand struct{ p *Pipeline }

func (s *buildCommand) Name() string { return "build-command" }

func (s *buildCommand) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	if _, err := s.p.builder.ValidateBinary(cc.Provider); err != nil {
		return fail[*CreateContext](err)
	}
	args := s.p.builder.BuildCreate(cc.Provider, cc.Prompt)
	cc.Command = s.p.builder.Wrap(args, cc.Name, cc.Session.ID, cc.Env)
	return succeed(cc)
}

type spawn struct{ p *Pipeline }

func (s *spawn) Name() string { return "spawn" }

func (s *spawn) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	handle := cc.Session.Handle(s.p.cfg.Session.NamePrefix)
	if err := s.p.backend.Spawn(ctx, handle, cc.WorkDir, cc.Command); err != nil {
		return fail[*CreateContext](err)
	}
	cc.spawned = true
	return succeed(cc)
}

type register struct{ p *Pipeline }

func (s *register) Name() string { return "register" }

func (s *register) Run(ctx context.Context, cc *CreateContext) StepResult[*CreateContext] {
	// The backend session exists at this point, so the record enters the
	// registry already Running.
	cc.Session.State = session.StateRunning
	if err := s.p.registry.Insert(cc.Session); err != nil {
		return fail[*CreateContext](err)
	}
	if s.p.bus != nil {
		workspacePath := ""
		if cc.Workspace != nil {
			workspacePath = cc.Workspace.Path
		}
		s.p.bus.Publish(event.NewSessionCreatedEvent(
			cc.Session.ID, cc.Name, cc.Provider,
			cc.Session.Handle(s.p.cfg.Session.NamePrefix), workspacePath))
	}
	if s.p.burst != nil {
		s.p.burst()
	}
	return succeed(cc)
}

// Compile-time checks that the real collaborators satisfy the step interfaces.
var _ Backend = (*tmux.Service)(nil)
var _ Workspaces = (*workspace.Manager)(nil)
