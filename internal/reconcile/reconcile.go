// Package reconcile keeps session records honest about their backends. The
// tmux server owns the truth about liveness; this package observes it and
// folds what it sees back into the registry.
package reconcile

import (
	"context"

	"github.com/muxkeep/muxkeep/internal/session"
	"github.com/muxkeep/muxkeep/internal/tmux"
)

// Confidence grades how certain a classification is.
type Confidence string

const (
	// ConfidenceHigh: the backend gave a definitive answer.
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium: the observation is correct now but may change.
	ConfidenceMedium Confidence = "medium"
)

// Backend is the synchronous view of the tmux server that detection needs.
type Backend interface {
	Has(ctx context.Context, name string) (bool, error)
	PaneInfo(ctx context.Context, name string) (*tmux.Pane, error)
}

// Result is one detection outcome for one session.
type Result struct {
	State      session.State
	Confidence Confidence
	// ExitCode is set when the pane is dead and tmux reported a status.
	ExitCode *int
	// Err is set when the backend could not be consulted. A backend error
	// is never read as session absence.
	Err error
}

// Detect classifies a session's backend state. It observes only; applying
// the result is the loop's job.
func Detect(ctx context.Context, backend Backend, tmuxName string) Result {
	exists, err := backend.Has(ctx, tmuxName)
	if err != nil {
		return Result{Err: err}
	}
	if !exists {
		// remain-on-exit keeps finished panes around, so a missing
		// session means it was deliberately ended or externally killed.
		return Result{State: session.StateCompleted, Confidence: ConfidenceHigh}
	}

	pane, err := backend.PaneInfo(ctx, tmuxName)
	if err != nil {
		return Result{Err: err}
	}
	if pane.Dead {
		if pane.ExitStatus != nil && *pane.ExitStatus != 0 {
			return Result{State: session.StateFailed, Confidence: ConfidenceHigh, ExitCode: pane.ExitStatus}
		}
		// A missing exit status on a dead pane is read as success.
		return Result{State: session.StateCompleted, Confidence: ConfidenceHigh, ExitCode: pane.ExitStatus}
	}

	return Result{State: session.StateRunning, Confidence: ConfidenceMedium}
}
