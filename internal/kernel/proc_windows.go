//go:build windows

package kernel

import (
	"fmt"
	"os/exec"
	"syscall"
)

// configureProcessGroup sets up the kernel process (Windows-specific).
func configureProcessGroup(cmd *exec.Cmd) {
	// Windows has no Unix-style process groups; hide the console window.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

// interruptProcessGroup has no SIGINT equivalent on Windows; interrupt is
// unsupported and reported as such to the caller.
func interruptProcessGroup(pid int) error {
	return fmt.Errorf("interrupt is not supported on windows")
}

// terminateProcessGroup: no SIGTERM on Windows, the caller falls back to
// process.Kill().
func terminateProcessGroup(pid int) error {
	return fmt.Errorf("windows termination requires process.Kill()")
}

// forceKillProcessGroup: no SIGKILL on Windows, the caller falls back to
// process.Kill().
func forceKillProcessGroup(pid int) error {
	return fmt.Errorf("windows force kill requires process.Kill()")
}
