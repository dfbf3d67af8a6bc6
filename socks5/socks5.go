// Package socks5 implements the client-side SOCKS5 front end: a minimal
// server supporting only the no-auth method and the CONNECT command,
// translating each accepted connection into a tunnel CONN request rather
// than dialing directly itself (spec.md §4.6).
//
// Grounded on the wire bytes in original_source/client/socks5.c and
// common/socks5-proto.h for the exact handshake, and on the accept-loop
// shape of other_examples' osf4-socks5 server.go (one goroutine per
// accepted connection, auth then handle).
package socks5

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"rdp2tcp/iobuf"
	"rdp2tcp/wire"
)

// State is the per-connection SOCKS5 negotiation state from spec.md §4.6.
type State int

const (
	StateAuthenticating State = iota
	StateAuthenticated
	StateConnecting
	StateConnected
)

// Reply codes, per RFC 1928 §6, restricted to the ones this server actually
// emits.
const (
	ReplySuccess          = 0x00
	ReplyGeneralFailure   = 0x01
	ReplyConnRefused      = 0x05
	ReplyCmdNotSupported  = 0x07
	ReplyAddrNotSupported = 0x08
)

const (
	atypIPv4 = 0x01
	atypFQDN = 0x03
	atypIPv6 = 0x04

	cmdConnect = 0x01

	methodNoAuth = 0x00
)

var (
	// ErrBadVersion is returned when a client speaks anything but SOCKS5.
	ErrBadVersion = errors.New("socks5: unsupported protocol version")
	// ErrNoAcceptableAuth is returned when noauth isn't among the offered methods.
	ErrNoAcceptableAuth = errors.New("socks5: client does not offer noauth")
)

// Request is a parsed CONNECT request, ready to become a tunnel CONN.
type Request struct {
	AF   wire.AF
	Host string // hostname (fqdn) or numeric address string
	Port uint16
}

// Conn wraps one accepted SOCKS5 client connection and its negotiation
// state. It never dials anything itself; callers drive the tunnel protocol
// and call Complete/Fail based on the answer they get back.
type Conn struct {
	raw     net.Conn
	br      *bufio.Reader
	state   State
	pending iobuf.Buf
}

// NewConn wraps an accepted connection, state Authenticating.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, br: bufio.NewReader(raw), state: StateAuthenticating}
}

// Raw returns the underlying connection, for forwarding data once Connected.
func (c *Conn) Raw() net.Conn { return c.raw }

// State returns the current negotiation state.
func (c *Conn) State() State { return c.state }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Negotiate performs the Authenticating->Authenticated->Connecting walk of
// spec.md §4.6: read the method list, reply, read the CONNECT request, and
// return it without dialing anything. When noauth is not offered, or the
// command, address type or port is unsupported, it writes the matching
// failure reply itself; a wrong version byte, an empty method list or a
// read error returns without a reply. Either way it returns an error and
// the caller should close the connection.
func (c *Conn) Negotiate() (Request, error) {
	if err := c.authenticate(); err != nil {
		return Request{}, err
	}
	return c.readRequest()
}

func (c *Conn) authenticate() error {
	ver, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if ver != 0x05 {
		return ErrBadVersion
	}
	nmethods, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if nmethods == 0 {
		return ErrNoAcceptableAuth
	}
	methods := make([]byte, nmethods)
	if _, err := readFull(c.br, methods); err != nil {
		return err
	}
	offered := false
	for _, m := range methods {
		if m == methodNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		// 0xff signals "no acceptable methods" per RFC 1928.
		_, _ = c.raw.Write([]byte{0x05, 0xff})
		return ErrNoAcceptableAuth
	}
	if _, err := c.raw.Write([]byte{0x05, methodNoAuth}); err != nil {
		return err
	}
	c.state = StateAuthenticated
	return nil
}

func (c *Conn) readRequest() (Request, error) {
	hdr := make([]byte, 4)
	if _, err := readFull(c.br, hdr); err != nil {
		return Request{}, err
	}
	ver, cmd, atyp := hdr[0], hdr[1], hdr[3]
	if ver != 0x05 {
		return Request{}, ErrBadVersion
	}
	if cmd != cmdConnect {
		c.fail(ReplyCmdNotSupported)
		return Request{}, fmt.Errorf("socks5: unsupported command 0x%02x", cmd)
	}

	var host string
	var af wire.AF
	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := readFull(c.br, addr); err != nil {
			return Request{}, err
		}
		host = net.IP(addr).String()
		af = wire.AFIPv4
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := readFull(c.br, addr); err != nil {
			return Request{}, err
		}
		host = net.IP(addr).String()
		af = wire.AFIPv6
	case atypFQDN:
		l, err := c.br.ReadByte()
		if err != nil {
			return Request{}, err
		}
		name := make([]byte, l)
		if _, err := readFull(c.br, name); err != nil {
			return Request{}, err
		}
		host = string(name)
		af = wire.AFAny
	default:
		c.fail(ReplyAddrNotSupported)
		return Request{}, fmt.Errorf("socks5: unsupported address type 0x%02x", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(c.br, portBuf); err != nil {
		return Request{}, err
	}
	port := binary.BigEndian.Uint16(portBuf)
	if port == 0 {
		c.fail(ReplyGeneralFailure)
		return Request{}, errors.New("socks5: port 0 is not valid in a CONNECT request")
	}

	c.state = StateConnecting
	return Request{AF: af, Host: host, Port: port}, nil
}

// QueuePending buffers bytes that arrive for this tunnel while still
// Connecting (spec.md §4.6: "flush any bytes that arrived during
// Connecting"); Complete flushes them to the local socket in order.
func (c *Conn) QueuePending(data []byte) {
	c.pending.Append(data)
}

// Complete sends the success reply carrying the remote peer's address (as
// reported by the tunnel CONN answer) and transitions to Connected,
// flushing any bytes queued via QueuePending.
func (c *Conn) Complete(af wire.AF, addr []byte, port uint16) error {
	reply := buildReply(ReplySuccess, af, addr, port)
	if _, err := c.raw.Write(reply); err != nil {
		return err
	}
	c.state = StateConnected
	if c.pending.Len() > 0 {
		defer c.pending.Reset()
		if _, err := c.raw.Write(c.pending.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Fail sends a failure reply with the given SOCKS5 reply code. Used when the
// tunnel CONN answer itself carries a nonzero err.
func (c *Conn) Fail(code byte) error {
	return c.fail(code)
}

func (c *Conn) fail(code byte) error {
	reply := buildReply(code, wire.AFIPv4, []byte{0, 0, 0, 0}, 0)
	_, err := c.raw.Write(reply)
	return err
}

func buildReply(code byte, af wire.AF, addr []byte, port uint16) []byte {
	atyp := byte(atypIPv4)
	if af == wire.AFIPv6 {
		atyp = atypIPv6
	}
	out := make([]byte, 4+len(addr)+2)
	out[0] = 0x05
	out[1] = code
	out[2] = 0x00
	out[3] = atyp
	copy(out[4:], addr)
	binary.BigEndian.PutUint16(out[4+len(addr):], port)
	return out
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
