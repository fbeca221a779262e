//go:build windows

package process

import "os/exec"

// Terminate stops the child. Windows has no deliverable SIGTERM for console-less
// children, so this is equivalent to Kill.
func Terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Kill force-kills the child.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
