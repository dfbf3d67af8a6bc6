//go:build !unix

package process

import "os/exec"

func setsid(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error { return nil }
