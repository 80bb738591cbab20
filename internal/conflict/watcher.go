package conflict

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/muxkeep/muxkeep/internal/logging"
)

// Watcher tracks file modifications across session workspaces so Detect can
// report when two sessions are editing the same files. It watches each
// workspace tree with fsnotify, debounces editor event storms, and keeps a
// per-file record of which sessions touched it.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	// filters restrict which files count toward overlaps. Empty means
	// every non-ignored file counts.
	filters []glob.Glob

	// workspaces maps session ID -> workspace root.
	workspaces map[string]string

	// touches maps workspace-relative path -> session ID -> last write.
	touches map[string]map[string]time.Time

	ignoreDirs []string

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher. watchGlobs restrict which file names count
// toward overlaps (e.g. only "*.go"); invalid patterns are skipped.
func NewWatcher(watchGlobs []string, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	w := &Watcher{
		watcher:    fsw,
		logger:     logger.WithComponent("conflict"),
		workspaces: make(map[string]string),
		touches:    make(map[string]map[string]time.Time),
		ignoreDirs: []string{".git", "node_modules", ".DS_Store"},
		stopCh:     make(chan struct{}),
	}
	for _, pattern := range watchGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			w.logger.Warn("invalid watch glob", "pattern", pattern, "error", err)
			continue
		}
		w.filters = append(w.filters, g)
	}
	return w, nil
}

// AddWorkspace starts tracking a session's workspace tree.
func (w *Watcher) AddWorkspace(sessionID, root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.workspaces[sessionID] = root
	if err := w.watcher.Add(root); err != nil {
		return err
	}

	// fsnotify watches are not recursive; register subdirectories too.
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		base := filepath.Base(path)
		for _, ignore := range w.ignoreDirs {
			if base == ignore {
				return filepath.SkipDir
			}
		}
		if info.IsDir() {
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

// RemoveWorkspace stops tracking a session and drops its touch records.
func (w *Watcher) RemoveWorkspace(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root, ok := w.workspaces[sessionID]
	if !ok {
		return
	}
	_ = w.watcher.Remove(root)
	delete(w.workspaces, sessionID)

	for relPath, sessions := range w.touches {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(w.touches, relPath)
		}
	}
}

// Start launches the event loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	w.wg.Wait()
}

// loop debounces fsnotify events; editors fire several events per save.
func (w *Watcher) loop() {
	defer w.wg.Done()

	debounce := time.NewTimer(0)
	<-debounce.C

	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[event.Name] = struct{}{}
			debounce.Reset(50 * time.Millisecond)

		case <-debounce.C:
			for path := range pending {
				w.record(path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// record attributes one modified path to its session.
func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	base := filepath.Base(path)
	for _, ignore := range w.ignoreDirs {
		if base == ignore || strings.Contains(path, string(filepath.Separator)+ignore+string(filepath.Separator)) {
			return
		}
	}
	if len(w.filters) > 0 {
		matched := false
		for _, g := range w.filters {
			if g.Match(base) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}

	for sessionID, root := range w.workspaces {
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return
		}
		if w.touches[rel] == nil {
			w.touches[rel] = make(map[string]time.Time)
		}
		w.touches[rel][sessionID] = time.Now()
		return
	}
}

// Overlaps returns every file touched by more than one session.
func (w *Watcher) Overlaps() []Overlap {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var overlaps []Overlap
	for relPath, sessions := range w.touches {
		if len(sessions) < 2 {
			continue
		}
		var ids []string
		var last time.Time
		for id, at := range sessions {
			ids = append(ids, id)
			if at.After(last) {
				last = at
			}
		}
		overlaps = append(overlaps, Overlap{
			RelativePath: relPath,
			Sessions:     ids,
			LastModified: last,
		})
	}
	return overlaps
}

// ClearOld drops touch records older than maxAge so long-dead edits stop
// counting as overlaps.
func (w *Watcher) ClearOld(maxAge time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for relPath, sessions := range w.touches {
		for id, at := range sessions {
			if at.Before(cutoff) {
				delete(sessions, id)
			}
		}
		if len(sessions) == 0 {
			delete(w.touches, relPath)
		}
	}
}
