// Package wire defines the rdp2tcp channel protocol: frame layout, command
// codes, address families and the connection request/answer payloads carried
// over the single multiplexed byte stream.
//
// Grounded on original_source/common/rdp2tcp.h and common/msgparser.c.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Cmd identifies a frame's purpose on the wire.
type Cmd byte

const (
	CmdConn  Cmd = 0x00
	CmdClose Cmd = 0x01
	CmdData  Cmd = 0x02
	CmdPing  Cmd = 0x03
	CmdBind  Cmd = 0x04
	CmdRConn Cmd = 0x05
	cmdMax   Cmd = 0x06
)

func (c Cmd) String() string {
	switch c {
	case CmdConn:
		return "CONN"
	case CmdClose:
		return "CLOSE"
	case CmdData:
		return "DATA"
	case CmdPing:
		return "PING"
	case CmdBind:
		return "BIND"
	case CmdRConn:
		return "RCONN"
	default:
		return fmt.Sprintf("CMD(0x%02x)", byte(c))
	}
}

// minPayload is the minimum total length (cmd+tid+payload) per command,
// indexed by Cmd.
var minPayload = [cmdMax]int{
	CmdConn:  3,
	CmdClose: 2,
	CmdData:  2,
	CmdPing:  1,
	CmdBind:  3,
	CmdRConn: 2,
}

// AF is the address family carried on the wire, distinct from syscall
// address family constants.
type AF byte

const (
	AFAny  AF = 0
	AFIPv4 AF = 1
	AFIPv6 AF = 2
)

func (af AF) String() string {
	switch af {
	case AFAny:
		return "any"
	case AFIPv4:
		return "ipv4"
	case AFIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("af(0x%02x)", byte(af))
	}
}

// Err is an rdp2tcp wire error code, carried in a connection answer's err byte.
type Err byte

const (
	ErrSuccess     Err = 0
	ErrGeneric     Err = 1
	ErrBadMsg      Err = 2
	ErrConnRefused Err = 3
	ErrForbidden   Err = 4
	ErrNotAvail    Err = 5
	ErrResolve     Err = 6
	ErrNotFound    Err = 7
	errMax         Err = 8
)

var errStrings = [errMax]string{
	ErrSuccess:     "success",
	ErrGeneric:     "generic error",
	ErrBadMsg:      "bad message",
	ErrConnRefused: "connection refused",
	ErrForbidden:   "forbidden",
	ErrNotAvail:    "address not available",
	ErrResolve:     "failed to resolve hostname",
	ErrNotFound:    "executable not found",
}

func (e Err) String() string {
	if e < errMax {
		return errStrings[e]
	}
	return fmt.Sprintf("err(0x%02x)", byte(e))
}

// NoTID is the sentinel "no tunnel id" value.
const NoTID = 0xff

// MaxPayload is the largest legal frame length field (cmd+tid+payload), per
// RDP2TCP_MAX_MSGLEN.
const MaxPayload = 512 * 1024

// HeaderLen is the size of the 4-byte big-endian length prefix.
const HeaderLen = 4

// Frame is one decoded message. Payload does not include cmd/tid.
type Frame struct {
	Cmd     Cmd
	TID     byte
	Payload []byte
}

// Encode serializes a frame as it appears on the wire: a 4-byte big-endian
// length (covering cmd+tid+payload) followed by cmd, tid and payload.
func Encode(cmd Cmd, tid byte, payload []byte) []byte {
	n := 2 + len(payload)
	out := make([]byte, HeaderLen+n)
	binary.BigEndian.PutUint32(out, uint32(n))
	out[HeaderLen] = byte(cmd)
	out[HeaderLen+1] = tid
	copy(out[HeaderLen+2:], payload)
	return out
}

// ProtoError is a fatal, tear-down-the-channel error: malformed framing,
// unknown command or undersized payload.
type ProtoError struct {
	Reason string
}

func (e *ProtoError) Error() string { return "rdp2tcp: protocol error: " + e.Reason }

// Decode attempts to decode one frame from buf. It returns the frame, the
// number of bytes consumed from buf, and an error. If buf does not yet hold
// a complete frame, n is 0 and err is nil — the caller should wait for more
// data. A non-nil err is always a *ProtoError and fatal.
func Decode(buf []byte) (fr Frame, n int, err error) {
	if len(buf) < HeaderLen+1 {
		return Frame{}, 0, nil
	}
	length := binary.BigEndian.Uint32(buf)
	if length == 0 || length > MaxPayload {
		return Frame{}, 0, &ProtoError{Reason: fmt.Sprintf("invalid channel msg size 0x%08x", length)}
	}
	total := HeaderLen + int(length)
	if total > len(buf) {
		return Frame{}, 0, nil
	}

	cmd := Cmd(buf[HeaderLen])
	if cmd >= cmdMax {
		return Frame{}, 0, &ProtoError{Reason: fmt.Sprintf("invalid command id 0x%02x", byte(cmd))}
	}
	if int(length) < minPayload[cmd] {
		return Frame{}, 0, &ProtoError{Reason: fmt.Sprintf("command %s too short (%d < %d)", cmd, length, minPayload[cmd])}
	}

	tid := buf[HeaderLen+1]
	payload := buf[HeaderLen+2 : total]
	return Frame{Cmd: cmd, TID: tid, Payload: payload}, total, nil
}

// ConnRequest is the CONN/BIND payload sent client->server: port 0 means
// "execute hostname as a command line and attach its stdio as the tunnel".
type ConnRequest struct {
	Port     uint16
	AF       AF
	Hostname string
}

func (r ConnRequest) Encode() []byte {
	host := append([]byte(r.Hostname), 0)
	out := make([]byte, 3+len(host))
	binary.BigEndian.PutUint16(out, r.Port)
	out[2] = byte(r.AF)
	copy(out[3:], host)
	return out
}

// DecodeConnRequest parses a CONN/BIND payload. hostname is NUL-terminated
// on the wire; the terminator is stripped from the returned string.
func DecodeConnRequest(payload []byte) (ConnRequest, error) {
	if len(payload) < 4 {
		return ConnRequest{}, &ProtoError{Reason: "conn request too short"}
	}
	if payload[len(payload)-1] != 0 {
		return ConnRequest{}, &ProtoError{Reason: "conn request hostname not NUL-terminated"}
	}
	return ConnRequest{
		Port:     binary.BigEndian.Uint16(payload),
		AF:       AF(payload[2]),
		Hostname: string(payload[3 : len(payload)-1]),
	}, nil
}

// ConnAnswer is the CONN/BIND payload sent server->client. When Err != 0,
// only the err byte is meaningful.
type ConnAnswer struct {
	Err  Err
	AF   AF
	Port uint16
	Addr []byte // 4 bytes (ipv4), 16 bytes (ipv6), or 4-byte big-endian pid (af=any)
}

func (a ConnAnswer) Encode() []byte {
	if a.Err != ErrSuccess {
		return []byte{byte(a.Err)}
	}
	out := make([]byte, 4+len(a.Addr))
	out[0] = byte(a.Err)
	out[1] = byte(a.AF)
	binary.BigEndian.PutUint16(out[2:], a.Port)
	copy(out[4:], a.Addr)
	return out
}

// DecodeConnAnswer validates and parses a CONN/BIND answer payload (the
// bytes after cmd+tid, i.e. Frame.Payload — not the wire frame's length
// field, which additionally counts those 2 bytes). Address length must
// match exactly: 8 bytes (err+af+port+4-byte addr) for ipv4/pid, 20 for
// ipv6 — spec.md §3's "total length is 10/22/10" counts cmd+tid too, so the
// corresponding Frame.Payload lengths here are 2 bytes shorter. A mismatch
// is a bad-proto error (spec.md §9).
func DecodeConnAnswer(payload []byte) (ConnAnswer, error) {
	if len(payload) < 1 {
		return ConnAnswer{}, &ProtoError{Reason: "conn answer empty"}
	}
	errCode := Err(payload[0])
	if errCode != ErrSuccess {
		return ConnAnswer{Err: errCode}, nil
	}
	if len(payload) < 4 {
		return ConnAnswer{}, &ProtoError{Reason: "conn answer too short"}
	}
	af := AF(payload[1])
	port := binary.BigEndian.Uint16(payload[2:])
	addr := payload[4:]
	switch af {
	case AFAny, AFIPv4:
		if len(payload) != 8 {
			return ConnAnswer{}, &ProtoError{Reason: "conn answer length mismatch for ipv4/pid"}
		}
	case AFIPv6:
		if len(payload) != 20 {
			return ConnAnswer{}, &ProtoError{Reason: "conn answer length mismatch for ipv6"}
		}
	default:
		return ConnAnswer{}, &ProtoError{Reason: "conn answer invalid address family"}
	}
	return ConnAnswer{Err: ErrSuccess, AF: af, Port: port, Addr: append([]byte(nil), addr...)}, nil
}

// RConnNotify is the RCONN payload (server->client): the frame's own tid is
// the listener's tid; NewTID is the freshly allocated tid for the accepted
// remote connection.
type RConnNotify struct {
	NewTID byte
	AF     AF
	Port   uint16
	Addr   []byte
}

func (r RConnNotify) Encode() []byte {
	out := make([]byte, 4+len(r.Addr))
	out[0] = r.NewTID
	out[1] = byte(r.AF)
	binary.BigEndian.PutUint16(out[2:], r.Port)
	copy(out[4:], r.Addr)
	return out
}

// DecodeRConnNotify parses an RCONN payload. Unlike DecodeConnAnswer, the
// first byte is always the new tid, never an error short-circuit — RCONN has
// no failure form, the server only emits it once an accept has already
// succeeded.
func DecodeRConnNotify(payload []byte) (RConnNotify, error) {
	if len(payload) < 4 {
		return RConnNotify{}, &ProtoError{Reason: "rconn notify too short"}
	}
	newTID := payload[0]
	af := AF(payload[1])
	port := binary.BigEndian.Uint16(payload[2:])
	addr := payload[4:]
	switch af {
	case AFIPv4:
		if len(payload) != 8 {
			return RConnNotify{}, &ProtoError{Reason: "rconn notify length mismatch for ipv4"}
		}
	case AFIPv6:
		if len(payload) != 20 {
			return RConnNotify{}, &ProtoError{Reason: "rconn notify length mismatch for ipv6"}
		}
	default:
		return RConnNotify{}, &ProtoError{Reason: "rconn notify invalid address family"}
	}
	return RConnNotify{NewTID: newTID, AF: af, Port: port, Addr: append([]byte(nil), addr...)}, nil
}
