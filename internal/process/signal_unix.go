//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Terminate asks the child's process group to shut down gracefully.
// PostgreSQL treats SIGTERM as "smart" shutdown of the postmaster and its backends.
func Terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// Kill force-kills the child's process group.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
