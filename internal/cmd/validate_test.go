package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
)

func TestValidate(t *testing.T) {
	dir := newWorkTree(t, testConfig)

	out, err := execute(t, "validate", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid.")
	assert.Contains(t, out, "acme/widgets (remote origin)")
	assert.Contains(t, out, "Checks:      tests")
	assert.Contains(t, out, "Max retries: 2")
}

func TestValidate_Defaults(t *testing.T) {
	dir := newWorkTree(t, "")

	out, err := execute(t, "validate", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "security -> code-review")
	assert.Contains(t, out, "Max retries: 5")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   string
		field string
	}{
		{"poll timeout below interval", "poll:\n  interval: 10s\n  timeout: 1s\n", "poll.timeout"},
		{"bad classification", "checks:\n  security:\n    on_failure: sometimes\n", "checks.security.on_failure"},
		{"bad agent pattern", "agent:\n  decline_pattern: \"([\"\n", "agent.decline_pattern"},
		{"bad log level", "log_level: loud\n", "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newWorkTree(t, tt.cfg)
			_, err := execute(t, "validate", "--dir", dir)
			require.Error(t, err)
			assert.Equal(t, models.ExitConfig, ExitCode(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_NotAWorkTree(t *testing.T) {
	_, err := execute(t, "validate", "--dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, models.ExitConfig, ExitCode(err))
}
