package clientpeer

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// AddForward registers a forward TCP tunnel (spec.md §4.8 "Forward
// (client)"): a local listener that, on accept, allocates a tid and issues
// a CONN request carrying (rhost, rport, raf).
func (p *Peer) AddForward(lhost string, lport uint16, rhost string, rport uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", lhost, lport))
	if err != nil {
		return err
	}
	p.registerListener(listenerEntry{kind: listenerTunSrv, localAddr: ln.Addr().String(), remoteHost: rhost, remotePort: rport})
	go p.acceptForward(ln, rhost, rport, wire.AFAny, false)
	return nil
}

// AddProcess registers a process tunnel (spec.md §4.8 "Process (server)"):
// the client side is identical to a forward tunnel except the CONN request
// carries port=0 and the command line as the hostname field.
func (p *Peer) AddProcess(lhost string, lport uint16, cmdline string) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", lhost, lport))
	if err != nil {
		return err
	}
	p.registerListener(listenerEntry{kind: listenerTunSrv, localAddr: ln.Addr().String(), remoteHost: cmdline})
	go p.acceptForward(ln, cmdline, 0, wire.AFAny, true)
	return nil
}

func (p *Peer) acceptForward(ln net.Listener, rhost string, rport uint16, af wire.AF, isProcess bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !p.gate.Allow(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		p.createForwardTunnel(conn, rhost, rport, af, isProcess)
	}
}

func (p *Peer) createForwardTunnel(conn net.Conn, rhost string, rport uint16, af wire.AF, isProcess bool) {
	id := p.table.Generate()
	if id == tunnel.None {
		p.log.Warn("tunnel table full, dropping forward connection")
		conn.Close()
		return
	}
	rec := &Tunnel{
		Role:      RoleForwardClient,
		State:     tunnel.StateConnecting,
		Conn:      conn,
		IsProcess: isProcess,
		LocalAddr: conn.LocalAddr().String(),
	}
	p.table.Insert(id, rec)

	req := wire.ConnRequest{Port: rport, AF: af, Hostname: rhost}
	if err := p.codec.Write(wire.CmdConn, id, req.Encode()); err != nil {
		p.log.Warn("failed to send CONN", zap.Error(err))
		p.closeLocal(id)
		return
	}
	p.pumpLocalToChannel(id, conn)
}
