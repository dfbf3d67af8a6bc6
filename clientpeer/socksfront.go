package clientpeer

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"rdp2tcp/socks5"
	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// AddSocks5 starts a SOCKS5 listener on lhost:lport (spec.md §4.6 / §4.7's
// "s" command).
func (p *Peer) AddSocks5(lhost string, lport uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", lhost, lport))
	if err != nil {
		return err
	}
	p.registerListener(listenerEntry{kind: listenerS5Srv, localAddr: ln.Addr().String()})
	go p.acceptSocks5(ln)
	return nil
}

func (p *Peer) acceptSocks5(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !p.gate.Allow(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go p.handleSocks5Conn(conn)
	}
}

func (p *Peer) handleSocks5Conn(raw net.Conn) {
	sc := socks5.NewConn(raw)
	req, err := sc.Negotiate()
	if err != nil {
		sc.Close()
		return
	}

	id := p.table.Generate()
	if id == tunnel.None {
		p.log.Warn("tunnel table full, dropping SOCKS5 connection")
		sc.Close()
		return
	}
	rec := &Tunnel{
		Role:      RoleSocksClient,
		State:     tunnel.StateConnecting,
		Conn:      raw,
		S5:        sc,
		LocalAddr: raw.LocalAddr().String(),
	}
	p.table.Insert(id, rec)

	wireReq := wire.ConnRequest{Port: req.Port, AF: req.AF, Hostname: req.Host}
	if err := p.codec.Write(wire.CmdConn, id, wireReq.Encode()); err != nil {
		p.log.Warn("failed to send CONN for SOCKS5 request", zap.Error(err))
		p.closeLocal(id)
		return
	}
	p.pumpLocalToChannel(id, raw)
}
