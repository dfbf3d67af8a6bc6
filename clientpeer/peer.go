// Package clientpeer implements the client-side peer: it owns the channel
// codec, the tunnel table, the SOCKS5 front end, the text controller, and
// the dispatch/lifecycle logic described across spec.md §4.3, §4.5, §4.6,
// §4.7 and §4.8 for the client role.
//
// spec.md §9 calls for gathering the original's global tunnel list and
// channel singleton into one Peer struct owned by main and passed
// explicitly into every handler; this package is that struct.
package clientpeer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"rdp2tcp/channel"
	"rdp2tcp/iobuf"
	"rdp2tcp/socks5"
	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// Role tags which of the client's four tid-keyed tunnel-record variants
// (spec.md §3) a Tunnel holds. The other two of spec.md's six roles —
// the forward/process listener and the controller listener itself — carry
// no tid and are never dialed or CONNed, so they are tracked separately as
// listenerEntry values (see below), not as Table[Tunnel] records.
type Role int

const (
	RoleForwardClient Role = iota
	RoleSocksClient
	RoleReverseListener
	RoleReverseClient
)

// Tunnel is the client's tagged-union tunnel record, instantiating
// tunnel.Table[Tunnel]. Only the fields relevant to Role are meaningful —
// spec.md §9 asks for this to be "a proper tagged variant over the...
// roles enumerated in §3"; Go's lack of sum types makes a single struct
// with a discriminant the idiomatic approximation, same as the teacher's
// own config.Rule groups mode-specific fields behind a Mode string.
type Tunnel struct {
	Role  Role
	State tunnel.State

	// RoleForwardClient, RoleSocksClient, RoleReverseClient
	Conn       io.ReadWriteCloser
	RemoteAddr string
	RemotePID  uint32
	IsProcess  bool

	// RoleSocksClient
	S5 *socks5.Conn

	// RoleReverseClient: bytes that arrive over the channel while the local
	// dial is still in flight (State == StateConnecting), flushed to Conn
	// once the dial completes — same idiom as socks5.Conn's own pending
	// buffer for its Connecting window.
	pending iobuf.Buf

	// RoleReverseListener
	LHost     string
	LPort     uint16
	RHost     string
	RPort     uint16
	Bound     bool
	BoundHost string
	BoundPort uint16

	// LocalAddr is used for controller "l" dumps across every role.
	LocalAddr string
}

// Dialer opens the locally-dialed socket for a reverse tunnel's accepted
// remote connection (spec.md §4.8 "Reverse"). Kept as an interface so tests
// can substitute a fake without opening real sockets.
type Dialer interface {
	Dial(host string, port uint16) (io.ReadWriteCloser, error)
}

// Peer is the client-side peer: one channel codec, one tunnel table.
type Peer struct {
	codec     *channel.Codec
	table     *tunnel.Table[Tunnel]
	gate      *tunnel.AdmissionGate
	log       *zap.Logger
	pingDelay time.Duration
	dialer    Dialer

	mu        sync.Mutex
	connected bool
	listeners []listenerEntry
}

// listenerEntry records a static (non-tid) front end for the "l" dump: the
// controller listener itself, forward/process-tunnel listeners, SOCKS5
// listeners, and live controller client connections. None of these carry a
// tid (spec.md's NETSOCK_CTRLSRV/TUNSRV/S5SRV/CTRLCLI rows), so they live
// alongside, not inside, the tid-keyed table.
type listenerEntry struct {
	kind       listenerKind
	localAddr  string
	remoteHost string
	remotePort uint16
}

type listenerKind int

const (
	listenerCtrlSrv listenerKind = iota
	listenerTunSrv
	listenerS5Srv
	listenerCtrlCli
)

func (p *Peer) registerListener(e listenerEntry) {
	p.mu.Lock()
	p.listeners = append(p.listeners, e)
	p.mu.Unlock()
}

// unregisterListener removes the first matching entry, used when a
// controller client disconnects (its listenerCtrlCli row should no longer
// appear in "l" dumps).
func (p *Peer) unregisterListener(e listenerEntry) {
	p.mu.Lock()
	for i, x := range p.listeners {
		if x == e {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// listenerSnapshot returns a copy of the current static front-end list, safe
// to range over without holding the lock.
func (p *Peer) listenerSnapshot() []listenerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]listenerEntry(nil), p.listeners...)
}

// New builds a client Peer around transport, framing commands with it.
func New(transport io.ReadWriteCloser, pingDelay time.Duration, dialer Dialer, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Peer{
		codec:     channel.New(transport, log),
		table:     tunnel.NewTable[Tunnel](),
		gate:      tunnel.NewAdmissionGate(200, 30*time.Second),
		log:       log,
		pingDelay: pingDelay,
		dialer:    dialer,
		connected: true,
	}
}

// Table exposes the tunnel table for the front ends in this package.
func (p *Peer) Table() *tunnel.Table[Tunnel] { return p.table }

// Gate exposes the admission gate shared by every listening front end.
func (p *Peer) Gate() *tunnel.AdmissionGate { return p.gate }

// Close tears down the channel codec.
func (p *Peer) Close() error { return p.codec.Close() }

// Run drives the read loop and the liveness poll until the channel fails.
// It returns the error that ended the read loop (io.EOF when the host RDP
// client is gone, per spec.md §7).
func (p *Peer) Run() error {
	done := make(chan error, 1)
	go func() { done <- p.codec.Run(p.dispatch) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			p.pollLiveness()
		}
	}
}

// pollLiveness implements spec.md §4.3 step 4: recompute connected state,
// closing non-listener tunnels on a connected->disconnected transition and
// re-issuing BIND for every reverse listener on disconnected->connected.
func (p *Peer) pollLiveness() {
	now := p.codec.IsConnected(p.pingDelay)

	p.mu.Lock()
	was := p.connected
	p.connected = now
	p.mu.Unlock()

	if was && !now {
		p.onDisconnect()
	} else if !was && now {
		p.onReconnect()
	}
}

func (p *Peer) onDisconnect() {
	p.log.Warn("channel disconnected")
	var toClose []tunnel.ID
	p.table.Range(func(id tunnel.ID, t *Tunnel) bool {
		switch t.Role {
		case RoleReverseListener:
			t.Bound = false
			t.BoundHost, t.BoundPort = "", 0
		default:
			toClose = append(toClose, id)
		}
		return true
	})
	for _, id := range toClose {
		p.closeLocal(id)
	}
}

func (p *Peer) onReconnect() {
	p.log.Info("channel reconnected")
	p.table.Range(func(id tunnel.ID, t *Tunnel) bool {
		if t.Role == RoleReverseListener {
			p.sendBind(id, t)
		}
		return true
	})
}

func (p *Peer) sendBind(id tunnel.ID, t *Tunnel) {
	req := wire.ConnRequest{Port: t.RPort, AF: wire.AFAny, Hostname: t.RHost}
	if err := p.codec.Write(wire.CmdBind, id, req.Encode()); err != nil {
		p.log.Warn("failed to send BIND", zap.Error(err))
	}
}

// closeLocal tears down tunnel id's local resources and removes it from the
// table without notifying the peer (used when the channel itself just
// died, so there is nowhere to send CLOSE).
func (p *Peer) closeLocal(id tunnel.ID) {
	t := p.table.Lookup(id)
	if t == nil {
		return
	}
	if t.Conn != nil {
		_ = t.Conn.Close()
	}
	p.table.Remove(id)
}

// closeAndNotify tears down tunnel id locally and sends CLOSE to the peer,
// per spec.md §4.8's CLOSE semantics.
func (p *Peer) closeAndNotify(id tunnel.ID) {
	p.closeLocal(id)
	_ = p.codec.Write(wire.CmdClose, id, nil)
}

// dispatch implements the client-side command table from spec.md §4.5.
func (p *Peer) dispatch(fr wire.Frame) error {
	switch fr.Cmd {
	case wire.CmdConn:
		return p.handleConnAnswer(fr.TID, fr.Payload)
	case wire.CmdBind:
		return p.handleBindAnswer(fr.TID, fr.Payload)
	case wire.CmdRConn:
		return p.handleRConn(fr.TID, fr.Payload)
	case wire.CmdData:
		p.handleData(fr.TID, fr.Payload)
		return nil
	case wire.CmdClose:
		p.closeLocal(fr.TID)
		return nil
	case wire.CmdPing:
		return nil
	default:
		return fmt.Errorf("clientpeer: unhandled command %s", fr.Cmd)
	}
}

func (p *Peer) handleData(id tunnel.ID, payload []byte) {
	t := p.table.Lookup(id)
	if t == nil {
		_ = p.codec.Write(wire.CmdClose, id, nil)
		return
	}
	if t.Role == RoleSocksClient && t.State != tunnel.StateConnected {
		t.S5.QueuePending(payload)
		return
	}
	if t.Role == RoleReverseClient && t.State != tunnel.StateConnected {
		t.pending.Append(payload)
		return
	}
	if t.Conn == nil {
		return
	}
	if _, err := t.Conn.Write(payload); err != nil {
		p.closeAndNotify(id)
	}
}

func (p *Peer) handleConnAnswer(id tunnel.ID, payload []byte) error {
	t := p.table.Lookup(id)
	if t == nil {
		_ = p.codec.Write(wire.CmdClose, id, nil)
		return nil
	}
	ans, err := wire.DecodeConnAnswer(payload)
	if err != nil {
		return err
	}
	switch t.Role {
	case RoleForwardClient:
		return p.completeForward(id, t, ans)
	case RoleSocksClient:
		return p.completeSocks(id, t, ans)
	default:
		return fmt.Errorf("clientpeer: CONN answer for tunnel in unexpected role %v", t.Role)
	}
}

func (p *Peer) completeForward(id tunnel.ID, t *Tunnel, ans wire.ConnAnswer) error {
	if ans.Err != wire.ErrSuccess {
		p.closeLocal(id)
		return nil
	}
	t.State = tunnel.StateConnected
	t.RemoteAddr = formatAnswerAddr(ans)
	if ans.AF == wire.AFAny {
		t.IsProcess = true
		t.RemotePID = pidFromAddr(ans.Addr)
	}
	return nil
}

func (p *Peer) completeSocks(id tunnel.ID, t *Tunnel, ans wire.ConnAnswer) error {
	if ans.Err != wire.ErrSuccess {
		_ = t.S5.Fail(socks5.ReplyConnRefused)
		p.closeLocal(id)
		return nil
	}
	if err := t.S5.Complete(ans.AF, ans.Addr, ans.Port); err != nil {
		p.closeLocal(id)
		return nil
	}
	t.State = tunnel.StateConnected
	t.RemoteAddr = formatAnswerAddr(ans)
	return nil
}

func (p *Peer) handleBindAnswer(id tunnel.ID, payload []byte) error {
	t := p.table.Lookup(id)
	if t == nil || t.Role != RoleReverseListener {
		return nil
	}
	ans, err := wire.DecodeConnAnswer(payload)
	if err != nil {
		return err
	}
	if ans.Err != wire.ErrSuccess {
		p.log.Warn("BIND failed", zap.String("err", ans.Err.String()))
		return nil
	}
	t.Bound = true
	t.BoundPort = ans.Port
	if len(ans.Addr) == 4 || len(ans.Addr) == 16 {
		t.BoundHost = formatAddrBytes(ans.Addr)
	}
	return nil
}

// handleRConn registers a placeholder record for the newly accepted reverse
// connection and hands the local dial off to a goroutine: like the server's
// forward-tunnel dial, this runs on the channel's single reader goroutine
// via dispatch, and spec.md §4.8/§5 rule out blocking it on a multi-second
// local connect — that would stall every other tunnel on the channel.
func (p *Peer) handleRConn(listenerID tunnel.ID, payload []byte) error {
	listener := p.table.Lookup(listenerID)
	if listener == nil || listener.Role != RoleReverseListener {
		return nil
	}
	notify, err := wire.DecodeRConnNotify(payload)
	if err != nil {
		return err
	}

	rec := &Tunnel{
		Role:       RoleReverseClient,
		State:      tunnel.StateConnecting,
		RemoteAddr: fmt.Sprintf("%s:%d", formatAddrBytes(notify.Addr), notify.Port),
		LocalAddr:  fmt.Sprintf("%s:%d", listener.LHost, listener.LPort),
	}
	p.table.Insert(notify.NewTID, rec)

	go p.dialReverse(notify.NewTID, listener.LHost, listener.LPort)
	return nil
}

// dialReverse performs the blocking local dial off the shared dispatch
// path. Any DATA that arrived over the channel while the dial was in
// flight was buffered onto the record's pending queue by handleData and is
// flushed here before the pump starts. If the tunnel was closed or
// superseded while dialing, the result is discarded.
func (p *Peer) dialReverse(id tunnel.ID, host string, port uint16) {
	conn, derr := p.dialer.Dial(host, port)
	if derr != nil {
		p.log.Warn("reverse dial failed", zap.Error(derr))
		if t := p.table.Lookup(id); t == nil || t.State != tunnel.StateConnecting {
			return
		}
		p.table.Remove(id)
		_ = p.codec.Write(wire.CmdClose, id, nil)
		return
	}
	t := p.table.Lookup(id)
	if t == nil || t.State != tunnel.StateConnecting {
		_ = conn.Close()
		return
	}

	t.Conn = conn
	t.State = tunnel.StateConnected
	if t.pending.Len() > 0 {
		if _, werr := conn.Write(t.pending.Bytes()); werr != nil {
			p.closeAndNotify(id)
			return
		}
		t.pending.Reset()
	}
	p.pumpLocalToChannel(id, conn)
}

// pumpLocalToChannel copies bytes read from a local socket onto the
// channel as DATA frames tagged with id, until the socket closes or errs.
func (p *Peer) pumpLocalToChannel(id tunnel.ID, conn io.Reader) {
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := p.codec.Write(wire.CmdData, id, append([]byte(nil), buf[:n]...)); werr != nil {
					return
				}
			}
			if err != nil {
				p.closeAndNotify(id)
				return
			}
		}
	}()
}

func formatAnswerAddr(ans wire.ConnAnswer) string {
	if ans.AF == wire.AFAny {
		return fmt.Sprintf("pid=%d", pidFromAddr(ans.Addr))
	}
	return fmt.Sprintf("%s:%d", formatAddrBytes(ans.Addr), ans.Port)
}

func pidFromAddr(addr []byte) uint32 {
	if len(addr) < 4 {
		return 0
	}
	return uint32(addr[0])<<24 | uint32(addr[1])<<16 | uint32(addr[2])<<8 | uint32(addr[3])
}

func formatAddrBytes(addr []byte) string {
	switch len(addr) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", addr[0], addr[1], addr[2], addr[3])
	case 16:
		ip := make([]byte, 16)
		copy(ip, addr)
		return fmt.Sprintf("%x", ip)
	default:
		return ""
	}
}
