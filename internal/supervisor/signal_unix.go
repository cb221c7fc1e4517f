//go:build !windows

package supervisor

import "syscall"

// The worker is started in its own process group so termination reaches any
// children it spawned.

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
