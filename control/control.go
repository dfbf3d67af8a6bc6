// Package control implements the client-side text controller protocol:
// line-oriented commands that list, add, and remove tunnels (spec.md §4.7).
//
// Grounded on original_source/client/controller.c: controller_read_event's
// line-splitting and per-command argument parsing (extract_port), and
// dump_sockets for the "l" command's per-socket-kind formatting.
package control

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"rdp2tcp/wire"
)

// Kind identifies a parsed controller command.
type Kind int

const (
	KindList Kind = iota
	KindAddSocks5
	KindAddForward
	KindAddProcess
	KindAddReverse
	KindRemove
)

// ErrBadProtocol is returned for any syntactically invalid line; per
// spec.md §4.7 the caller must close the controller connection on this.
var ErrBadProtocol = errors.New("control: bad protocol")

// Command is one parsed controller request.
type Command struct {
	Kind    Kind
	LHost   string
	LPort   uint16
	RHost   string
	RPort   uint16
	CmdLine string // KindAddProcess only: the command line to exec
}

// ParseLine parses one already-newline-stripped controller line. A trailing
// '\r' trim is the caller's responsibility (Session.ReadCommand does it).
func ParseLine(line string) (Command, error) {
	if line == "" {
		return Command{}, ErrBadProtocol
	}
	cmd := line[0]
	if !strings.ContainsRune("ltrxs-", rune(cmd)) {
		return Command{}, ErrBadProtocol
	}
	if cmd == 'l' {
		return Command{Kind: KindList}, nil
	}

	rest := line[1:]
	if len(rest) == 0 || rest[0] != ' ' {
		return Command{}, ErrBadProtocol
	}
	rest = rest[1:]
	if rest == "" {
		return Command{}, ErrBadProtocol
	}

	lhost, lport, rest, err := extractPort(rest, cmd == 'x')
	if err != nil {
		return Command{}, err
	}

	switch cmd {
	case '-':
		return Command{Kind: KindRemove, LHost: lhost, LPort: lport}, nil
	case 's':
		return Command{Kind: KindAddSocks5, LHost: lhost, LPort: lport}, nil
	}

	// extractPort has already dropped the space that follows the port.
	if rest == "" {
		return Command{}, ErrBadProtocol
	}

	if cmd == 'x' {
		return Command{Kind: KindAddProcess, LHost: lhost, LPort: lport, CmdLine: rest}, nil
	}

	// cmd is 't' or 'r': rest is "rhost rport".
	rhost, rport, _, err := extractPort(rest, false)
	if err != nil {
		return Command{}, err
	}

	kind := KindAddForward
	if cmd == 'r' {
		kind = KindAddReverse
	}
	return Command{Kind: kind, LHost: lhost, LPort: lport, RHost: rhost, RPort: rport}, nil
}

// extractPort splits "host port trailing..." into host, the parsed port
// (1..65535, or 0..65535 when allowZero is set), and whatever follows the
// port (without its leading space).
func extractPort(data string, allowZero bool) (host string, port uint16, rest string, err error) {
	sp := strings.IndexByte(data, ' ')
	if sp < 0 {
		return "", 0, "", ErrBadProtocol
	}
	host, tail := data[:sp], data[sp+1:]

	var portStr string
	if end := strings.IndexByte(tail, ' '); end < 0 {
		portStr, rest = tail, ""
	} else {
		portStr, rest = tail[:end], tail[end+1:]
	}

	n, perr := strconv.ParseUint(portStr, 10, 16)
	if perr != nil || (n == 0 && !allowZero) {
		return "", 0, "", ErrBadProtocol
	}
	return host, uint16(n), rest, nil
}

// Session wraps a controller client's connection: line-oriented command
// reads and line-oriented answer writes.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
}

// NewSession wraps conn.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn, br: bufio.NewReader(conn)}
}

// ReadCommand reads and parses the next line. io.EOF or a read error is
// returned as-is; a parse failure is ErrBadProtocol. Either way the caller
// must close the connection (spec.md §4.7: "any syntactic error closes the
// controller client").
func (s *Session) ReadCommand() (Command, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return Command{}, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return ParseLine(line)
}

// Answer writes one LF-terminated answer line.
func (s *Session) Answer(line string) error {
	_, err := s.conn.Write([]byte(line + "\n"))
	return err
}

// AnswerListEnd writes the blank line that terminates an "l" dump.
func (s *Session) AnswerListEnd() error {
	return s.Answer("")
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// SocketKind labels one row of an "l" dump, matching dump_sockets' per-type
// prefixes.
type SocketKind int

const (
	KindCtrlSrv SocketKind = iota
	KindTunSrv
	KindS5Srv
	KindCtrlCli
	KindTunCli
	KindS5Cli
	KindRTunSrv
	KindRTunCli
)

func (k SocketKind) label() string {
	switch k {
	case KindCtrlSrv:
		return "ctrlsrv"
	case KindTunSrv:
		return "tunsrv "
	case KindS5Srv:
		return "s5srv  "
	case KindCtrlCli:
		return "ctrlcli"
	case KindTunCli:
		return "tuncli "
	case KindS5Cli:
		return "s5cli  "
	case KindRTunSrv:
		return "rtunsrv"
	default:
		return "rtuncli"
	}
}

// Descriptor is one listed socket/tunnel row, as fed to FormatDescriptor.
type Descriptor struct {
	Kind       SocketKind
	LocalAddr  string
	RemoteHost string
	RemotePort uint16
	TID        byte
	HasTID     bool
	Known      bool // remote address/pid is known (tunnel reached Connected)
	IsProcess  bool
	Pid        uint32
	RemoteAddr string
	AF         wire.AF
}

// FormatDescriptor renders one "l" dump line.
//
// spec.md §9 flags the original's tuncli dump condition
// (`if (!ns->state != NETSTATE_CONNECTED)`) as an inverted-condition bug
// that always took the "not yet connected" branch. The resolution adopted
// here always shows the tid (regardless of state) and appends the remote
// detail only once it is actually known, instead of the original's
// all-or-nothing branch.
func FormatDescriptor(d Descriptor) string {
	switch d.Kind {
	case KindCtrlSrv:
		return fmt.Sprintf("%s %s", d.Kind.label(), d.LocalAddr)
	case KindTunSrv:
		if d.RemotePort == 0 {
			return fmt.Sprintf("%s %s %s", d.Kind.label(), d.LocalAddr, d.RemoteHost)
		}
		return fmt.Sprintf("%s %s %s:%d", d.Kind.label(), d.LocalAddr, d.RemoteHost, d.RemotePort)
	case KindS5Srv:
		return fmt.Sprintf("%s %s", d.Kind.label(), d.LocalAddr)
	case KindCtrlCli:
		return fmt.Sprintf("%s %s", d.Kind.label(), d.LocalAddr)
	case KindTunCli:
		if !d.Known {
			return fmt.Sprintf("%s %s tid=%d", d.Kind.label(), d.LocalAddr, d.TID)
		}
		if d.IsProcess {
			return fmt.Sprintf("%s %s tid=%d pid=%d", d.Kind.label(), d.LocalAddr, d.TID, d.Pid)
		}
		return fmt.Sprintf("%s %s tid=%d %s", d.Kind.label(), d.LocalAddr, d.TID, d.RemoteAddr)
	case KindS5Cli:
		return fmt.Sprintf("%s %s tid=%d", d.Kind.label(), d.LocalAddr, d.TID)
	case KindRTunSrv:
		return fmt.Sprintf("%s %s %s:%d tid=%d", d.Kind.label(), d.LocalAddr, d.RemoteHost, d.RemotePort, d.TID)
	default: // KindRTunCli
		return fmt.Sprintf("%s %s tid=%d %s", d.Kind.label(), d.LocalAddr, d.TID, d.RemoteAddr)
	}
}
