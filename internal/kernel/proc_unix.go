//go:build unix

package kernel

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup sets up the kernel to run in its own process group
// so signals reach the interpreter and anything it forked.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func signalProcessGroup(pid int, signal syscall.Signal) error {
	return syscall.Kill(-pid, signal)
}

// interruptProcessGroup sends SIGINT, the best-effort interrupt the kernel
// may translate into a KeyboardInterrupt.
func interruptProcessGroup(pid int) error {
	return signalProcessGroup(pid, syscall.SIGINT)
}

// terminateProcessGroup sends SIGTERM for a graceful stop.
func terminateProcessGroup(pid int) error {
	return signalProcessGroup(pid, syscall.SIGTERM)
}

// forceKillProcessGroup sends SIGKILL when the graceful window has expired.
func forceKillProcessGroup(pid int) error {
	return signalProcessGroup(pid, syscall.SIGKILL)
}
