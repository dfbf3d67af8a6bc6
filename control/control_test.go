package control

import (
	"net"
	"testing"
)

func TestParseListCommand(t *testing.T) {
	cmd, err := ParseLine("l")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindList {
		t.Fatalf("kind = %v, want KindList", cmd.Kind)
	}
}

func TestParseForwardTunnel(t *testing.T) {
	cmd, err := ParseLine("t 127.0.0.1 1080 example.com 80")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindAddForward || cmd.LHost != "127.0.0.1" || cmd.LPort != 1080 ||
		cmd.RHost != "example.com" || cmd.RPort != 80 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseReverseTunnel(t *testing.T) {
	cmd, err := ParseLine("r 127.0.0.1 2222 0.0.0.0 2222")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindAddReverse || cmd.RPort != 2222 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseProcessTunnel(t *testing.T) {
	cmd, err := ParseLine("x 0.0.0.0 0 /bin/sh -i")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindAddProcess || cmd.CmdLine != "/bin/sh -i" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseSocks5Listener(t *testing.T) {
	cmd, err := ParseLine("s 0.0.0.0 1080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindAddSocks5 || cmd.LPort != 1080 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseRemove(t *testing.T) {
	cmd, err := ParseLine("- 127.0.0.1 1080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindRemove {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	if _, err := ParseLine("z foo"); err != ErrBadProtocol {
		t.Fatalf("got %v, want ErrBadProtocol", err)
	}
}

func TestParseRejectsZeroPort(t *testing.T) {
	if _, err := ParseLine("s 127.0.0.1 0"); err != ErrBadProtocol {
		t.Fatalf("got %v, want ErrBadProtocol", err)
	}
}

func TestParseRejectsEmptyLine(t *testing.T) {
	if _, err := ParseLine(""); err != ErrBadProtocol {
		t.Fatalf("got %v, want ErrBadProtocol", err)
	}
}

func TestSessionReadCommandStripsCRLF(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sess := NewSession(a)
	done := make(chan struct{})
	var cmd Command
	var err error
	go func() {
		cmd, err = sess.ReadCommand()
		close(done)
	}()

	if _, werr := b.Write([]byte("l\r\n")); werr != nil {
		t.Fatalf("write: %v", werr)
	}
	<-done
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if cmd.Kind != KindList {
		t.Fatalf("got %+v", cmd)
	}
}

func TestFormatDescriptorTunCliShowsTidRegardlessOfState(t *testing.T) {
	d := Descriptor{Kind: KindTunCli, LocalAddr: "127.0.0.1:1080", TID: 3, Known: false}
	got := FormatDescriptor(d)
	want := "tuncli  127.0.0.1:1080 tid=3"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatDescriptorTunCliShowsRemoteOnceKnown(t *testing.T) {
	d := Descriptor{Kind: KindTunCli, LocalAddr: "127.0.0.1:1080", TID: 3, Known: true, RemoteAddr: "93.184.216.34:80"}
	got := FormatDescriptor(d)
	want := "tuncli  127.0.0.1:1080 tid=3 93.184.216.34:80"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
