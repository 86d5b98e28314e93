//go:build unix && !linux

package process

import "syscall"

func parentDeathSignal(*syscall.SysProcAttr) {}
