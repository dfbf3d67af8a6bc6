package clientpeer

import (
	"rdp2tcp/tunnel"
)

// AddReverse registers a reverse tunnel marker (spec.md §4.8 "Reverse"): no
// local socket is opened yet. If the channel is currently connected, BIND
// is issued immediately; otherwise it is deferred to the next
// disconnected->connected transition (pollLiveness's onReconnect).
func (p *Peer) AddReverse(lhost string, lport uint16, rhost string, rport uint16) error {
	id := p.table.Generate()
	if id == tunnel.None {
		return errTableFull
	}
	rec := &Tunnel{
		Role:      RoleReverseListener,
		State:     tunnel.StateInit,
		LHost:     lhost,
		LPort:     lport,
		RHost:     rhost,
		RPort:     rport,
		LocalAddr: rhost, // the "local address" shown for a reverse marker is its remote bind target
	}
	p.table.Insert(id, rec)

	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if connected {
		p.sendBind(id, rec)
	}
	return nil
}
