package clientpeer

import (
	"fmt"
	"net"

	"rdp2tcp/control"
	"rdp2tcp/tunnel"
)

// StartController starts the text controller listener on host:port
// (spec.md §4.7).
func (p *Peer) StartController(host string, port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	p.registerListener(listenerEntry{kind: listenerCtrlSrv, localAddr: ln.Addr().String()})
	go p.acceptController(ln)
	return nil
}

func (p *Peer) acceptController(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !p.gate.Allow(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go p.serveController(conn)
	}
}

func (p *Peer) serveController(raw net.Conn) {
	sess := control.NewSession(raw)
	defer sess.Close()

	entry := listenerEntry{kind: listenerCtrlCli, localAddr: raw.LocalAddr().String()}
	p.registerListener(entry)
	defer p.unregisterListener(entry)

	for {
		cmd, err := sess.ReadCommand()
		if err != nil {
			return
		}

		var herr error
		switch cmd.Kind {
		case control.KindList:
			herr = p.dumpList(sess)
		case control.KindAddSocks5:
			herr = p.answerErr(sess, p.AddSocks5(cmd.LHost, cmd.LPort))
		case control.KindAddForward:
			herr = p.answerErr(sess, p.AddForward(cmd.LHost, cmd.LPort, cmd.RHost, cmd.RPort))
		case control.KindAddProcess:
			herr = p.answerErr(sess, p.AddProcess(cmd.LHost, cmd.LPort, cmd.CmdLine))
		case control.KindAddReverse:
			herr = p.answerErr(sess, p.AddReverse(cmd.LHost, cmd.LPort, cmd.RHost, cmd.RPort))
		case control.KindRemove:
			herr = p.answerErr(sess, p.RemoveByAddr(cmd.LHost, cmd.LPort))
		}
		if herr != nil {
			return
		}
	}
}

func (p *Peer) answerErr(sess *control.Session, err error) error {
	if err != nil {
		return sess.Answer(fmt.Sprintf("error %s", err.Error()))
	}
	return sess.Answer("ok")
}

// RemoveByAddr implements the controller's "-" command. It searches only the
// tid-keyed table: it removes the first tunnel whose local address is
// lhost:lport (for a forward/process listener, one of its accepted
// connections) or the reverse-tunnel marker registered for lhost:lport.
// Forward, process and SOCKS5 listeners themselves are not closed and keep
// accepting.
func (p *Peer) RemoveByAddr(lhost string, lport uint16) error {
	target := fmt.Sprintf("%s:%d", lhost, lport)
	var found tunnel.ID
	hasFound := false
	p.table.Range(func(id tunnel.ID, t *Tunnel) bool {
		if t.LocalAddr == target || (t.Role == RoleReverseListener && fmt.Sprintf("%s:%d", t.LHost, t.LPort) == target) {
			found = id
			hasFound = true
			return false
		}
		return true
	})
	if !hasFound {
		return fmt.Errorf("no tunnel bound to %s", target)
	}
	if t := p.table.Lookup(found); t != nil && t.Conn != nil {
		_ = t.Conn.Close()
	}
	p.closeAndNotify(found)
	return nil
}

// dumpList answers the "l" command: one line per live socket — the static
// front ends (controller/forward/process/SOCKS5 listeners and connected
// controller clients, spec.md's ctrlsrv/tunsrv/s5srv/ctrlcli rows) followed
// by every tid-keyed tunnel — terminated by a blank line.
func (p *Peer) dumpList(sess *control.Session) error {
	for _, e := range p.listenerSnapshot() {
		if err := sess.Answer(control.FormatDescriptor(descriptorForListener(e))); err != nil {
			return err
		}
	}

	var werr error
	p.table.Range(func(id tunnel.ID, t *Tunnel) bool {
		line := control.FormatDescriptor(descriptorFor(id, t))
		if err := sess.Answer(line); err != nil {
			werr = err
			return false
		}
		return true
	})
	if werr != nil {
		return werr
	}
	return sess.AnswerListEnd()
}

func descriptorForListener(e listenerEntry) control.Descriptor {
	switch e.kind {
	case listenerCtrlSrv:
		return control.Descriptor{Kind: control.KindCtrlSrv, LocalAddr: e.localAddr}
	case listenerTunSrv:
		return control.Descriptor{Kind: control.KindTunSrv, LocalAddr: e.localAddr, RemoteHost: e.remoteHost, RemotePort: e.remotePort}
	case listenerS5Srv:
		return control.Descriptor{Kind: control.KindS5Srv, LocalAddr: e.localAddr}
	default: // listenerCtrlCli
		return control.Descriptor{Kind: control.KindCtrlCli, LocalAddr: e.localAddr}
	}
}

func descriptorFor(id tunnel.ID, t *Tunnel) control.Descriptor {
	d := control.Descriptor{TID: id, HasTID: true, LocalAddr: t.LocalAddr}
	switch t.Role {
	case RoleForwardClient:
		d.Kind = control.KindTunCli
		d.Known = t.State == tunnel.StateConnected
		d.IsProcess = t.IsProcess
		d.Pid = t.RemotePID
		d.RemoteAddr = t.RemoteAddr
	case RoleSocksClient:
		d.Kind = control.KindS5Cli
	case RoleReverseListener:
		d.Kind = control.KindRTunSrv
		d.RemoteHost, d.RemotePort = t.BoundHost, t.BoundPort
	case RoleReverseClient:
		d.Kind = control.KindRTunCli
		d.RemoteAddr = t.RemoteAddr
	}
	return d
}
