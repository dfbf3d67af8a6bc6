package serverpeer

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"rdp2tcp/netfacade"
	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// handleConn implements spec.md §4.8's "Forward (server)" and "Process
// (server)" lifecycles: a CONN request either dials a remote host (forward)
// or, when port==0, spawns hostname as a command line (process). Either way
// the tid is the one the client already chose — the server inserts under it
// directly rather than generating a new one (spec.md §3 invariant 1: the
// server generates ids only for accepted reverse connections).
func (p *Peer) handleConn(id tunnel.ID, payload []byte) {
	req, err := wire.DecodeConnRequest(payload)
	if err != nil {
		p.answerConn(id, wire.ConnAnswer{Err: wire.ErrBadMsg})
		return
	}
	if req.Port == 0 {
		p.handleProcessConn(id, req)
		return
	}
	p.handleForwardConn(id, req)
}

// handleForwardConn registers a placeholder record for id and hands the
// actual dial off to a goroutine: dispatch runs inline on the channel's
// single reader goroutine (channel/codec.go's Run loop), and spec.md §4.8's
// "non-blocking connect" together with §5's "handler code between waits
// must not block" rule out doing a several-second dial in line here — that
// would stall DATA delivery for every other tunnel on the same channel
// until this one dial resolves.
func (p *Peer) handleForwardConn(id tunnel.ID, req wire.ConnRequest) {
	if existing := p.table.Lookup(id); existing != nil {
		p.log.Warn("CONN for tunnel already in use", zap.Uint8("tid", id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p.table.Insert(id, &Tunnel{Role: RoleOutbound, State: tunnel.StateConnecting, cancel: cancel})

	addr := net.JoinHostPort(req.Hostname, fmt.Sprintf("%d", req.Port))
	go p.dialForward(ctx, cancel, id, addr)
}

// dialForward performs the blocking dial (up to 5s) off the shared dispatch
// path. If the tunnel was closed or superseded while the dial was in
// flight, the result is discarded instead of resurrecting a dead tid.
func (p *Peer) dialForward(ctx context.Context, cancel context.CancelFunc, id tunnel.ID, addr string) {
	defer cancel()
	conn, derr := p.dial(ctx, addr)
	if derr != nil {
		if t := p.table.Lookup(id); t == nil || t.State != tunnel.StateConnecting {
			return
		}
		p.table.Remove(id)
		p.answerConn(id, wire.ConnAnswer{Err: classifyDialError(derr)})
		return
	}
	if t := p.table.Lookup(id); t == nil || t.State != tunnel.StateConnecting {
		_ = conn.Close()
		return
	}

	rec := &Tunnel{Role: RoleOutbound, State: tunnel.StateConnected, Conn: conn}
	p.table.Insert(id, rec)

	ans := answerFromAddr(conn.RemoteAddr())
	p.answerConn(id, ans)
	p.pumpToChannel(id, conn)
}

// dial uses netfacade.DialFast when the resolver is the default
// StdResolver (so the address-racing supplement from SPEC_FULL.md §13
// applies), falling back to the injected Resolver directly for tests.
func (p *Peer) dial(ctx context.Context, addr string) (net.Conn, error) {
	if _, ok := p.resolver.(netfacade.StdResolver); ok {
		return netfacade.DialFast(ctx, addr)
	}
	return p.resolver.Dial(ctx, "tcp", addr)
}

func classifyDialError(err error) wire.Err {
	var nerr *net.OpError
	if ok := asOpError(err, &nerr); ok {
		if nerr.Op == "dial" {
			return wire.ErrConnRefused
		}
	}
	if _, ok := err.(*net.DNSError); ok {
		return wire.ErrResolve
	}
	return wire.ErrGeneric
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func answerFromAddr(addr net.Addr) wire.ConnAnswer {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return wire.ConnAnswer{Err: wire.ErrSuccess, AF: wire.AFIPv4, Addr: []byte{0, 0, 0, 0}}
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	ip := net.ParseIP(host)
	if v4 := ip.To4(); v4 != nil {
		return wire.ConnAnswer{Err: wire.ErrSuccess, AF: wire.AFIPv4, Port: port, Addr: []byte(v4)}
	}
	if v6 := ip.To16(); v6 != nil {
		return wire.ConnAnswer{Err: wire.ErrSuccess, AF: wire.AFIPv6, Port: port, Addr: []byte(v6)}
	}
	return wire.ConnAnswer{Err: wire.ErrSuccess, AF: wire.AFIPv4, Port: port, Addr: []byte{0, 0, 0, 0}}
}
