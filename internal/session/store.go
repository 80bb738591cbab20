package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/muxkeep/muxkeep/internal/errors"
)

const (
	// snapshotFile holds the current session set.
	snapshotFile = "state.json"
	// historyFile is the append-only journal of archived sessions.
	historyFile = "history.jsonl"
	// snapshotVersion guards against reading snapshots written by an
	// incompatible future format.
	snapshotVersion = 1
)

// snapshot is the on-disk envelope for the session set.
type snapshot struct {
	Version  int        `json:"version"`
	SavedAt  time.Time  `json:"saved_at"`
	Sessions []*Session `json:"sessions"`
}

// HistoryEntry is one archived session in the journal.
type HistoryEntry struct {
	// Session is the record as it stood when archived.
	Session *Session `json:"session"`
	// ArchivedAt is when the record left the active set.
	ArchivedAt time.Time `json:"archived_at"`
	// Reason is why it was archived (e.g., "cleaned", "restore-pruned").
	Reason string `json:"reason"`
}

// Store persists the session set as an atomically replaced JSON snapshot
// plus an append-only JSONL history journal. It implements Persister.
type Store struct {
	stateDir string
	mu       sync.Mutex
}

var _ Persister = (*Store)(nil)

// NewStore creates a Store rooted at stateDir, creating the directory if
// needed.
func NewStore(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, errors.NewPersistenceError("failed to create state directory", err).WithPath(stateDir)
	}
	return &Store{stateDir: stateDir}, nil
}

// SnapshotPath returns the snapshot file location.
func (st *Store) SnapshotPath() string {
	return filepath.Join(st.stateDir, snapshotFile)
}

// HistoryPath returns the history journal location.
func (st *Store) HistoryPath() string {
	return filepath.Join(st.stateDir, historyFile)
}

// SaveSnapshot atomically replaces the snapshot with the given session set.
// A crash mid-write leaves the previous snapshot intact.
func (st *Store) SaveSnapshot(sessions []*Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := snapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now(),
		Sessions: sessions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.NewPersistenceError("failed to encode snapshot", err)
	}

	path := st.SnapshotPath()
	if err := atomicWriteFile(path, data, 0644); err != nil {
		return errors.NewPersistenceError("failed to write snapshot", err).WithPath(path)
	}
	return nil
}

// LoadSnapshot reads the persisted session set. A missing snapshot returns
// an empty set; a malformed one returns ErrStateCorrupted (wrapped) so the
// caller can decide whether to start fresh.
func (st *Store) LoadSnapshot() ([]*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	path := st.SnapshotPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewPersistenceError("failed to read snapshot", err).WithPath(path)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStateCorrupted, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", errors.ErrStateCorrupted, snap.Version)
	}

	return snap.Sessions, nil
}

// AppendHistory appends one archived session to the journal. The journal is
// never rewritten; each entry is one JSON line.
func (st *Store) AppendHistory(entry HistoryEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewPersistenceError("failed to encode history entry", err)
	}
	data = append(data, '\n')

	path := st.HistoryPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.NewPersistenceError("failed to open history journal", err).WithPath(path)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.NewPersistenceError("failed to append history entry", err).WithPath(path)
	}
	return nil
}

// History reads archived entries, newest last. Malformed lines are skipped
// rather than failing the whole read; the journal may interleave entries
// from older versions. limit <= 0 returns everything.
func (st *Store) History(limit int) ([]HistoryEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.Open(st.HistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewPersistenceError("failed to open history journal", err).WithPath(st.HistoryPath())
	}
	defer f.Close()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewPersistenceError("failed to read history journal", err).WithPath(st.HistoryPath())
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// atomicWriteFile writes data to path via a temp file in the same directory,
// synced and renamed into place.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
