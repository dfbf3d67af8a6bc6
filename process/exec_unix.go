//go:build unix

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setsid starts the child in its own session so a controller disconnect (or
// this process receiving a signal) doesn't propagate into the child's
// process group — the Go analog of the original's CreateProcess flags on
// the platform it actually shipped for.
func setsid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

// killProcessGroup sends SIGKILL to the child's whole process group.
func killProcessGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
