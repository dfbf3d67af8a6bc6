// Package quictransport provides a realistic, real-socket duplex stream
// standing in for "the channel" in end-to-end tests (SPEC_FULL.md §11):
// self-signed TLS over UDP via quic-go, one bidirectional quic.Stream per
// side. It is never part of the production channel — spec.md §1 places the
// real RDP virtual-channel transport out of scope, and substituting QUIC
// there would contradict that — it exists purely so the test in
// integration/ can drive both full peer stacks over an actual async
// transport instead of an in-process net.Pipe.
//
// Grounded on the quic.Dial/quic.ListenAddr shape used by the retrieved
// pack's slipstream-go client (other_examples) for a QUIC-over-custom-
// transport tunnel manager; here the packet conn is an ordinary UDP socket
// rather than a DNS tunnel.
package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// selfSignedTLSConfig builds a minimal TLS config for a test-only QUIC
// listener: one self-signed certificate, ALPN "rdp2tcp-test".
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"rdp2tcp-test"},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"rdp2tcp-test"},
	}
}

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 5 * time.Second,
}

// Listener accepts one QUIC connection and exposes its first stream as a
// duplex transport, matching the shape virtualchannel.ServerTransport
// expects.
type Listener struct {
	ql *quic.Listener
}

// Listen starts a QUIC listener on addr ("host:port", udp).
func Listen(addr string) (*Listener, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	return &Listener{ql: ql}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() string { return l.ql.Addr().String() }

// Accept blocks for the next QUIC connection and its first stream, wrapping
// both as a single io.ReadWriteCloser.
func (l *Listener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &streamConn{stream: stream, conn: conn}, nil
}

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ql.Close() }

// Dial opens a QUIC connection to addr and its one bidirectional stream.
func Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &streamConn{stream: stream, conn: conn}, nil
}

// streamConn adapts one quic.Stream plus its owning connection to
// io.ReadWriteCloser: closing closes the stream's write side and tears
// down the whole connection, since this package only ever carries one
// stream per connection.
type streamConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (s *streamConn) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *streamConn) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *streamConn) Close() error {
	err := s.stream.Close()
	if cerr := s.conn.CloseWithError(0, ""); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
