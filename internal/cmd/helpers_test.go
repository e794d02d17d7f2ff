package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/require"
)

const testConfig = `max_retries: 2
log_level: warn
checks:
  enabled: [tests]
  tests:
    commands: ["true"]
poll:
  interval: 1s
  timeout: 5s
`

// newWorkTree creates a git repository whose origin points at
// github.com/acme/widgets and writes config into .warden/config.yaml.
func newWorkTree(t *testing.T, cfg string) string {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"https://github.com/acme/widgets.git"},
	})
	require.NoError(t, err)

	if cfg != "" {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".warden"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".warden", "config.yaml"), []byte(cfg), 0o644))
	}
	return dir
}

// execute runs the root command with args and returns its output and error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}
