// Package integration drives a full client/server peer pair over a real
// asynchronous transport (internal/quictransport) instead of an in-process
// net.Pipe, exercising the forward-tunnel path end to end: a local TCP
// client connects to the client peer's forward listener, the client peer
// issues a CONN over the channel, the server peer dials a local echo
// server, and bytes round-trip through both multiplexers.
package integration

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"rdp2tcp/clientpeer"
	"rdp2tcp/internal/quictransport"
	"rdp2tcp/serverpeer"
)

func TestForwardTunnelRoundTripsOverQUIC(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	qln, err := quictransport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("quic listen: %v", err)
	}
	defer qln.Close()

	serverDone := make(chan *serverpeer.Peer, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		transport, err := qln.Accept(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		sp := serverpeer.New(transport, 5*time.Second, nil, nil, nil)
		go sp.Run()
		serverDone <- sp
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()
	clientTransport, err := quictransport.Dial(dialCtx, qln.Addr())
	if err != nil {
		t.Fatalf("quic dial: %v", err)
	}

	cp := clientpeer.New(clientTransport, 5*time.Second, clientpeer.NetDialer{}, nil)
	defer cp.Close()
	go cp.Run()

	var sp *serverpeer.Peer
	select {
	case sp = <-serverDone:
	case <-time.After(10 * time.Second):
		t.Fatal("server peer never accepted the QUIC connection")
	}
	defer sp.Close()

	echoHost, echoPortStr, _ := net.SplitHostPort(echoLn.Addr().String())

	if err := cp.AddForward("127.0.0.1", 19234, echoHost, mustParsePort(t, echoPortStr)); err != nil {
		t.Fatalf("add forward: %v", err)
	}

	// Give the forward listener + BIND/CONN machinery a moment to settle.
	time.Sleep(200 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", "127.0.0.1:19234", 3*time.Second)
	if err != nil {
		t.Fatalf("dial forward listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping-through-tunnel\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "ping-through-tunnel\n" {
		t.Fatalf("got %q, want echoed line", line)
	}
}

func mustParsePort(t *testing.T, s string) uint16 {
	t.Helper()
	var port int
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("bad port %q", s)
		}
		port = port*10 + int(c-'0')
	}
	return uint16(port)
}
