package process

import (
	"io"
	"os/exec"
)

// ExecSpawner spawns children via os/exec with a shell, the way a command
// line handed over the wire (spec.md §3's "execute hostname as a command
// line") is naturally run. This is the one deliberately stdlib-only corner
// of this repository: no example repo in the retrieved pack wraps
// process spawning in a third-party library, so os/exec plus
// golang.org/x/sys for process-group signaling is the idiomatic answer.
type ExecSpawner struct {
	// Shell is the interpreter used to run cmdline, e.g. "/bin/sh" with
	// "-c". Defaults to "/bin/sh" if empty.
	Shell string
}

func (s ExecSpawner) Spawn(cmdline string) (Process, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-c", cmdline)
	setsid(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Output() io.Reader     { return p.stdout }
func (p *execProcess) Input() io.WriteCloser { return p.stdin }
func (p *execProcess) Pid() uint32           { return uint32(p.cmd.Process.Pid) }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return killProcessGroup(p.cmd.Process.Pid) }
