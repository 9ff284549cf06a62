package jailer

import (
	"os/exec"
	"syscall"
)

// buildDetachedCmd prepares a jailer invocation that survives lobsterd
// exiting: its own session, stdio discarded.
func buildDetachedCmd(binary string, args []string) *exec.Cmd {
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}
