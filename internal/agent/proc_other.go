//go:build windows

package agent

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// Windows has no process-group signals; both phases kill the leader.
func signalGroup(p *os.Process, _ int, _ bool) error {
	return p.Kill()
}
