// Package conflict evaluates a session creation request against the current
// world before any side effects happen. Detection itself is pure: it takes
// observed inputs and returns findings. The fsnotify-backed Watcher feeds
// the workspace-overlap input by tracking concurrent file modifications
// across session workspaces.
package conflict

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a class of conflict.
type Kind string

const (
	// KindNameCollision: the requested name is already in use. Blocking.
	KindNameCollision Kind = "name-collision"
	// KindAtLimit: the session limit is reached. Blocking.
	KindAtLimit Kind = "at-limit"
	// KindNearLimit: few session slots remain. Advisory.
	KindNearLimit Kind = "near-limit"
	// KindWorkspaceOverlap: other sessions are modifying the same files.
	// Advisory.
	KindWorkspaceOverlap Kind = "workspace-overlap"
)

// Conflict is one finding from Detect.
type Conflict struct {
	Kind Kind
	// Blocking conflicts stop creation; advisory ones are reported and
	// creation proceeds.
	Blocking bool
	// Message is the user-facing explanation.
	Message string
	// Sessions names the sessions involved, when applicable.
	Sessions []string
}

// Overlap reports a file concurrently modified in several workspaces.
type Overlap struct {
	// RelativePath is the file path relative to each workspace root.
	RelativePath string
	// Sessions are the session IDs that touched the file.
	Sessions []string
	// LastModified is the most recent modification observed.
	LastModified time.Time
}

// Input is the observed world a creation request is checked against.
type Input struct {
	// Name is the requested session name.
	Name string
	// ExistingNames are the display names currently reserved. Callers pass
	// only names of sessions that block reuse; terminal records stay out.
	ExistingNames []string
	// ActiveCount is how many sessions currently occupy a slot.
	ActiveCount int
	// MaxSessions is the configured limit.
	MaxSessions int
	// NearLimitThreshold triggers the advisory when remaining slots drop
	// to this many. Zero disables the advisory.
	NearLimitThreshold int
	// Overlaps are current cross-workspace file collisions.
	Overlaps []Overlap
}

// Detect evaluates a creation request. It has no side effects and consults
// no external state: callers observe first, then ask. Blocking findings
// come before advisories in the result.
func Detect(in Input) []Conflict {
	var blocking, advisory []Conflict

	for _, existing := range in.ExistingNames {
		if strings.EqualFold(existing, in.Name) {
			blocking = append(blocking, Conflict{
				Kind:     KindNameCollision,
				Blocking: true,
				Message:  fmt.Sprintf("session name %q is already in use", in.Name),
				Sessions: []string{existing},
			})
			break
		}
	}

	remaining := in.MaxSessions - in.ActiveCount
	if remaining <= 0 {
		blocking = append(blocking, Conflict{
			Kind:     KindAtLimit,
			Blocking: true,
			Message:  fmt.Sprintf("session limit reached (%d of %d active)", in.ActiveCount, in.MaxSessions),
		})
	} else if in.NearLimitThreshold > 0 && remaining <= in.NearLimitThreshold {
		advisory = append(advisory, Conflict{
			Kind:     KindNearLimit,
			Blocking: false,
			Message:  fmt.Sprintf("only %d session slot(s) remaining", remaining),
		})
	}

	for _, overlap := range in.Overlaps {
		advisory = append(advisory, Conflict{
			Kind:     KindWorkspaceOverlap,
			Blocking: false,
			Message:  fmt.Sprintf("%s is being modified by %d other session(s)", overlap.RelativePath, len(overlap.Sessions)),
			Sessions: overlap.Sessions,
		})
	}

	return append(blocking, advisory...)
}

// HasBlocking reports whether any finding stops creation.
func HasBlocking(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Blocking {
			return true
		}
	}
	return false
}
