//go:build linux

package process

import "syscall"

// parentDeathSignal has the kernel terminate the agent if this server dies
// without calling Stop.
func parentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
