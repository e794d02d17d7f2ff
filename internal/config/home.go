package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindWorkTreeRoot walks up from dir to the nearest directory containing a
// .git entry (directory or worktree file).
func FindWorkTreeRoot(dir string) (string, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("no git working tree found above %s", dir)
}

// StateDir returns <root>/.warden, creating it if needed. Logs, the run lock
// and the history database live there by default. The directory ignores
// itself so plain git never picks it up either.
func StateDir(root string) (string, error) {
	dir := filepath.Join(root, ".warden")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", ignore, err)
		}
	}
	return dir, nil
}

// Resolve makes a configured path absolute relative to the working tree root.
// Empty paths stay empty.
func Resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
