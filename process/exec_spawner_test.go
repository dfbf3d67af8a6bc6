package process

import (
	"bufio"
	"strings"
	"testing"
)

func TestExecSpawnerRunsCommandAndCapturesOutput(t *testing.T) {
	sp := ExecSpawner{}
	proc, err := sp.Spawn("echo hello-tunnel")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer proc.Input().Close()

	scanner := bufio.NewScanner(proc.Output())
	if !scanner.Scan() {
		t.Fatalf("expected output, scan err: %v", scanner.Err())
	}
	if got := strings.TrimSpace(scanner.Text()); got != "hello-tunnel" {
		t.Fatalf("got %q, want hello-tunnel", got)
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if proc.Pid() == 0 {
		t.Fatal("expected nonzero pid")
	}
}

func TestExecSpawnerStdinRoundTrip(t *testing.T) {
	sp := ExecSpawner{}
	proc, err := sp.Spawn("cat")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, err := proc.Input().Write([]byte("ping\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	proc.Input().Close()

	scanner := bufio.NewScanner(proc.Output())
	if !scanner.Scan() {
		t.Fatalf("expected echoed line, scan err: %v", scanner.Err())
	}
	if got := scanner.Text(); got != "ping" {
		t.Fatalf("got %q, want ping", got)
	}
	_ = proc.Wait()
}
