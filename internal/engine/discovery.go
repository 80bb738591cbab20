package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Resume-ref discovery. Claude stores one JSONL transcript per conversation
// under ~/.claude/projects/<munged-workdir>/; the file created right after a
// session started is almost certainly that session's conversation. This is a
// heuristic and callers treat an empty answer as "resume by continuation".

var contextRefPattern = regexp.MustCompile(
	`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// claudeContextDir maps a working directory to Claude's per-project
// transcript directory. Both path separators and underscores become dashes.
func claudeContextDir(provider, workdir string) string {
	if provider != "claude" || workdir == "" {
		return ""
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	munged := strings.NewReplacer("/", "-", "_", "-").Replace(workdir)
	return filepath.Join(home, ".claude", "projects", munged)
}

// newestContextRef returns the conversation ID whose transcript was modified
// soonest at or after since, or "" when none qualifies.
func newestContextRef(dir string, since time.Time) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var (
		best     string
		bestTime time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".jsonl")
		if !contextRefPattern.MatchString(strings.ToLower(stem)) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime()
		if mtime.Before(since) {
			continue
		}
		if best == "" || mtime.Before(bestTime) {
			best = stem
			bestTime = mtime
		}
	}
	return best
}
