//go:build !windows

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the agent in its own process group so release can
// signal everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(_ *os.Process, pgid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pgid, sig)
}
