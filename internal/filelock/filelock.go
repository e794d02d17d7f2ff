// Package filelock keeps concurrent warden runs off the same working tree
// and writes run artifacts atomically.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// RunLockName is the lock file created under the working tree's .warden dir.
const RunLockName = "run.lock"

// ErrLocked means another run already holds the working tree.
var ErrLocked = errors.New("another warden run holds this working tree")

// RunLock is an exclusive, non-blocking lock on one working tree.
type RunLock struct {
	flock *flock.Flock
	path  string
}

// LockPath returns the lock file location for workTree.
func LockPath(workTree string) string {
	return filepath.Join(workTree, ".warden", RunLockName)
}

// AcquireRunLock takes the run lock for workTree without waiting. When the
// lock is held elsewhere the error wraps ErrLocked and names the holder
// recorded in the lock file, if any.
func AcquireRunLock(workTree, runID string) (*RunLock, error) {
	path := LockPath(workTree)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	acquired, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !acquired {
		if holder := readHolder(path); holder != "" {
			return nil, fmt.Errorf("%w (held by %s)", ErrLocked, holder)
		}
		return nil, ErrLocked
	}

	// The holder line is informational; the flock is what excludes.
	_ = os.WriteFile(path, []byte(fmt.Sprintf("run %s pid %d\n", runID, os.Getpid())), 0644)
	return &RunLock{flock: fl, path: path}, nil
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.path }

// Release drops the lock. Calling it more than once is harmless.
func (l *RunLock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock on %s: %w", l.path, err)
	}
	return nil
}

// AtomicWrite writes data to path through a temporary file in the same
// directory and a rename, so readers never see a partial file. Missing parent
// directories are created.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
