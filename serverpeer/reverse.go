package serverpeer

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// handleBind implements spec.md §4.8 "Reverse": BIND asks the server to
// open a listener on (hostname, port) and answer with the bound address;
// each subsequent accept on that listener allocates a fresh tid and is
// announced to the client via RCONN.
func (p *Peer) handleBind(id tunnel.ID, payload []byte) {
	req, err := wire.DecodeConnRequest(payload)
	if err != nil {
		p.answerBind(id, wire.ConnAnswer{Err: wire.ErrBadMsg})
		return
	}
	if existing := p.table.Lookup(id); existing != nil {
		p.log.Warn("BIND for tunnel already in use", zap.Uint8("tid", id))
		return
	}

	addr := net.JoinHostPort(req.Hostname, fmt.Sprintf("%d", req.Port))
	ln, lerr := p.resolver.Listen("tcp", addr)
	if lerr != nil {
		p.answerBind(id, wire.ConnAnswer{Err: wire.ErrNotAvail})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &Tunnel{Role: RoleListener, State: tunnel.StateConnected, Listener: ln, cancel: cancel}
	p.table.Insert(id, rec)

	p.answerBind(id, answerFromAddr(ln.Addr()))
	go p.acceptReverse(ctx, id, ln)
}

func (p *Peer) acceptReverse(ctx context.Context, listenerID tunnel.ID, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		default:
		}
		p.acceptOne(listenerID, conn)
	}
}

func (p *Peer) acceptOne(listenerID tunnel.ID, conn net.Conn) {
	newID := p.table.Generate()
	if newID == tunnel.None {
		p.log.Warn("tunnel table full, dropping reverse accept")
		_ = conn.Close()
		return
	}
	rec := &Tunnel{Role: RoleOutbound, State: tunnel.StateConnected, Conn: conn}
	p.table.Insert(newID, rec)

	ans := answerFromAddr(conn.RemoteAddr())
	notify := wire.RConnNotify{NewTID: newID, AF: ans.AF, Port: ans.Port, Addr: ans.Addr}
	if werr := p.codec.Write(wire.CmdRConn, listenerID, notify.Encode()); werr != nil {
		p.log.Warn("failed to send RCONN", zap.Error(werr))
		p.table.Remove(newID)
		_ = conn.Close()
		return
	}
	p.pumpToChannel(newID, conn)
}
