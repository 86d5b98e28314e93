//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the agent and anything it spawns (MCP servers, shells)
// in one process group so signalGroup reaches all of them.
func setProcGroup(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	parentDeathSignal(attr)
	cmd.SysProcAttr = attr
}

func signalGroup(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}
