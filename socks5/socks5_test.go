package socks5

import (
	"net"
	"testing"

	"rdp2tcp/wire"
)

func pair(t *testing.T) (server *Conn, client net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return NewConn(a), b
}

func TestNegotiateIPv4Connect(t *testing.T) {
	srv, client := pair(t)
	defer client.Close()

	done := make(chan struct{})
	var req Request
	var negErr error
	go func() {
		req, negErr = srv.Negotiate()
		close(done)
	}()

	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write methods: %v", err)
	}
	methodReply := make([]byte, 2)
	if _, err := readAll(client, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		t.Fatalf("unexpected method reply %v", methodReply)
	}

	connectReq := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	if _, err := client.Write(connectReq); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	<-done
	if negErr != nil {
		t.Fatalf("negotiate: %v", negErr)
	}
	if req.AF != wire.AFIPv4 || req.Host != "127.0.0.1" || req.Port != 80 {
		t.Fatalf("got %+v", req)
	}
	if srv.State() != StateConnecting {
		t.Fatalf("state = %v, want Connecting", srv.State())
	}
}

func TestCompleteSendsSuccessReply(t *testing.T) {
	srv, client := pair(t)
	defer client.Close()

	negDone := make(chan struct{})
	go func() {
		_, _ = srv.Negotiate()
		close(negDone)
	}()
	client.Write([]byte{0x05, 0x01, 0x00})
	readAll(client, make([]byte, 2))
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50})
	<-negDone

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Complete(wire.AFIPv4, []byte{93, 184, 216, 34}, 80)
	}()

	reply := make([]byte, 10)
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != ReplySuccess || reply[3] != atypIPv4 {
		t.Fatalf("unexpected reply %v", reply)
	}
	if srv.State() != StateConnected {
		t.Fatalf("state = %v, want Connected", srv.State())
	}
}

func TestRejectsUnsupportedCommand(t *testing.T) {
	srv, client := pair(t)
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := srv.Negotiate()
		errc <- err
	}()
	client.Write([]byte{0x05, 0x01, 0x00})
	readAll(client, make([]byte, 2))
	// cmd=2 (bind), unsupported.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})

	reply := make([]byte, 10)
	readAll(client, reply)
	if reply[1] != ReplyCmdNotSupported {
		t.Fatalf("got reply code %d, want %d", reply[1], ReplyCmdNotSupported)
	}
	if err := <-errc; err == nil {
		t.Fatal("expected an error for unsupported command")
	}
}

func TestRejectsUnsupportedAddressType(t *testing.T) {
	srv, client := pair(t)
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := srv.Negotiate()
		errc <- err
	}()
	client.Write([]byte{0x05, 0x01, 0x00})
	readAll(client, make([]byte, 2))
	// atyp=5 is invalid.
	client.Write([]byte{0x05, 0x01, 0x00, 0x05})

	reply := make([]byte, 10)
	readAll(client, reply)
	if reply[1] != ReplyAddrNotSupported {
		t.Fatalf("got reply code %d, want %d", reply[1], ReplyAddrNotSupported)
	}
	if err := <-errc; err == nil {
		t.Fatal("expected an error for unsupported address type")
	}
}

func readAll(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := c.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
