package channel

import (
	"net"
	"testing"
	"time"

	"rdp2tcp/wire"
)

// pipeRWC adapts one side of a net.Pipe to io.ReadWriteCloser (it already
// satisfies that interface; this alias just documents intent in tests).
type pipeRWC = net.Conn

func TestWriteReadRoundTrip(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	sender := New(clientSide, nil)
	defer sender.Close()

	received := make(chan wire.Frame, 1)
	receiver := New(serverSide, nil)
	defer receiver.Close()

	go func() {
		_ = receiver.Run(func(fr wire.Frame) error {
			received <- fr
			return nil
		})
	}()

	if err := sender.Write(wire.CmdData, 7, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case fr := <-received:
		if fr.Cmd != wire.CmdData || fr.TID != 7 || string(fr.Payload) != "payload" {
			t.Fatalf("got %+v", fr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestOrderingPreservedAcrossWrites(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	sender := New(clientSide, nil)
	defer sender.Close()
	receiver := New(serverSide, nil)
	defer receiver.Close()

	const n = 20
	results := make(chan byte, n)
	go func() {
		_ = receiver.Run(func(fr wire.Frame) error {
			results <- fr.TID
			return nil
		})
	}()

	for i := 0; i < n; i++ {
		if err := sender.Write(wire.CmdData, byte(i), nil); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case tid := <-results:
			if tid != byte(i) {
				t.Fatalf("out of order: got tid=%d at position %d", tid, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestRunStopsOnProtoError(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	receiver := New(serverSide, nil)
	defer receiver.Close()

	done := make(chan error, 1)
	go func() {
		done <- receiver.Run(func(wire.Frame) error { return nil })
	}()

	// zero length header is a fatal proto error.
	go func() { _, _ = clientSide.Write([]byte{0, 0, 0, 0, 0}) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a protocol error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestIsConnectedReflectsActivity(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := New(clientSide, nil)
	defer c.Close()

	if !c.IsConnected(5 * time.Second) {
		t.Fatal("freshly created codec should be considered connected")
	}
}

func TestShouldPingAfterQuietWrite(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := New(clientSide, nil)
	defer c.Close()

	if c.ShouldPing(5 * time.Second) {
		t.Fatal("freshly created codec should not need a ping yet")
	}
}
