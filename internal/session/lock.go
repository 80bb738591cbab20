package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/muxkeep/muxkeep/internal/errors"
	"github.com/muxkeep/muxkeep/internal/logging"
)

// LockFileName is the name of the lock file within the state directory.
const LockFileName = "muxkeep.lock"

// ErrStateLocked is returned when another muxkeep process owns the state
// directory. Two writers would race snapshot replacement.
var ErrStateLocked = errors.New("state directory is locked by another process")

// Lock marks a state directory as owned by one muxkeep process.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes exclusive ownership of the state directory. A lock left
// behind by a dead process is removed and re-acquired. The logger may be nil
// when the lock is taken before logging is configured.
func AcquireLock(stateDir string, logger *logging.Logger) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	if existing, err := readLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrStateLocked, existing.PID, existing.Hostname)
		}
		// Stale lock from a dead process.
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		if logger != nil {
			logger.Warn("removed stale state lock", "old_pid", existing.PID)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	lock := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
		logger:    logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL closes the race between the staleness check and creation.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := readLock(lockPath); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrStateLocked, existing.PID, existing.Hostname)
			}
			return nil, ErrStateLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	return lock, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.lockFile == "" {
		return nil
	}
	err := os.Remove(l.lockFile)
	l.lockFile = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// readLock parses an existing lock file.
func readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// isProcessAlive checks whether a PID refers to a running process.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 performs the permission and existence check only.
	return proc.Signal(syscall.Signal(0)) == nil
}
