package claude

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	tmpDirOnce sync.Once
	tmpDir     string
)

// cleanTmpDir returns a private TMPDIR for CLI invocations, created on first
// use. Editor sockets in the shared temp dir crash the CLI when --settings
// is passed.
func cleanTmpDir() string {
	tmpDirOnce.Do(func() {
		tmpDir = filepath.Join(os.TempDir(), "warden-claude")
		_ = os.MkdirAll(tmpDir, 0o755)
	})
	return tmpDir
}

// SetCleanEnv copies the current environment into cmd with TMPDIR pointed
// at the private temp dir.
func SetCleanEnv(cmd *exec.Cmd) {
	env := os.Environ()
	dir := cleanTmpDir()
	found := false
	for i, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			env[i] = "TMPDIR=" + dir
			found = true
			break
		}
	}
	if !found {
		env = append(env, "TMPDIR="+dir)
	}
	cmd.Env = env
}
