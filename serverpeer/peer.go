// Package serverpeer implements the server-side peer: it owns the channel
// codec, the tunnel table, and the command dispatch/lifecycle logic
// described across spec.md §4.4, §4.5 and §4.8 for the server role.
//
// Mirrors clientpeer's shape (spec.md §9's single Peer struct owned by
// main), but the server never allocates a tid for a CONN/BIND request — the
// client already chose it — and only generates fresh ones for accepted
// reverse connections (spec.md §3 invariant 1, §4.2).
package serverpeer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"rdp2tcp/channel"
	"rdp2tcp/netfacade"
	"rdp2tcp/process"
	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// Role tags which of the server's two tunnel-record variants (spec.md §3)
// a Tunnel holds. A third, transient kind (the BIND listener itself) is
// tracked the same way so CLOSE can tear it down by tid.
type Role int

const (
	RoleOutbound Role = iota
	RoleProcess
	RoleListener
)

// Tunnel is the server's tagged-union tunnel record, instantiating
// tunnel.Table[Tunnel].
type Tunnel struct {
	Role  Role
	State tunnel.State

	// RoleOutbound
	Conn io.ReadWriteCloser

	// RoleProcess
	Proc process.Process

	// RoleListener
	Listener io.Closer

	// cancel aborts whatever background goroutine owns this record: the
	// BIND accept loop for RoleListener, or an in-flight dial for a
	// RoleOutbound record still in StateConnecting.
	cancel context.CancelFunc
}

// Peer is the server-side peer: one channel codec, one tunnel table.
type Peer struct {
	codec     *channel.Codec
	table     *tunnel.Table[Tunnel]
	log       *zap.Logger
	pingDelay time.Duration
	resolver  netfacade.Resolver
	spawner   process.Spawner
}

// New builds a server Peer around transport, framing commands with it.
// resolver and spawner may be nil, in which case netfacade.StdResolver{}
// and process.ExecSpawner{} are used.
func New(transport io.ReadWriteCloser, pingDelay time.Duration, resolver netfacade.Resolver, spawner process.Spawner, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	if resolver == nil {
		resolver = netfacade.StdResolver{}
	}
	if spawner == nil {
		spawner = process.ExecSpawner{}
	}
	return &Peer{
		codec:     channel.New(transport, log),
		table:     tunnel.NewTable[Tunnel](),
		log:       log,
		pingDelay: pingDelay,
		resolver:  resolver,
		spawner:   spawner,
	}
}

// Table exposes the tunnel table, mainly for tests.
func (p *Peer) Table() *tunnel.Table[Tunnel] { return p.table }

// Close tears down the channel codec and every live tunnel.
func (p *Peer) Close() error {
	p.table.Range(func(id tunnel.ID, t *Tunnel) bool {
		p.releaseRecord(t)
		return true
	})
	return p.codec.Close()
}

// Run drives the read loop and the server-side ping cadence (spec.md §4.4:
// emit a PING once ping_delay-1 seconds have passed since the last write)
// until the channel fails. It returns the error that ended the read loop.
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
			if p.codec.ShouldPing(p.pingDelay) {
				if err := p.codec.Write(wire.CmdPing, 0, nil); err != nil {
					p.log.Warn("failed to send PING", zap.Error(err))
				}
			}
		}
	}
}

// dispatch implements the server-side command table from spec.md §4.5.
func (p *Peer) dispatch(fr wire.Frame) error {
	switch fr.Cmd {
	case wire.CmdConn:
		p.handleConn(fr.TID, fr.Payload)
		return nil
	case wire.CmdBind:
		p.handleBind(fr.TID, fr.Payload)
		return nil
	case wire.CmdClose:
		p.handleClose(fr.TID)
		return nil
	case wire.CmdData:
		p.handleData(fr.TID, fr.Payload)
		return nil
	case wire.CmdPing:
		return nil
	default:
		return fmt.Errorf("serverpeer: unhandled command %s", fr.Cmd)
	}
}

func (p *Peer) answerConn(id tunnel.ID, ans wire.ConnAnswer) {
	if err := p.codec.Write(wire.CmdConn, id, ans.Encode()); err != nil {
		p.log.Warn("failed to send CONN answer", zap.Error(err))
	}
}

func (p *Peer) answerBind(id tunnel.ID, ans wire.ConnAnswer) {
	if err := p.codec.Write(wire.CmdBind, id, ans.Encode()); err != nil {
		p.log.Warn("failed to send BIND answer", zap.Error(err))
	}
}

// handleClose tears down tunnel id's local resources without replying —
// the initiator already knows (spec.md §4.8 CLOSE semantics).
func (p *Peer) handleClose(id tunnel.ID) {
	t := p.table.Lookup(id)
	if t == nil {
		return
	}
	p.releaseRecord(t)
	p.table.Remove(id)
}

func (p *Peer) releaseRecord(t *Tunnel) {
	switch t.Role {
	case RoleOutbound:
		if t.cancel != nil {
			t.cancel()
		}
		if t.Conn != nil {
			_ = t.Conn.Close()
		}
	case RoleProcess:
		if t.Proc != nil {
			_ = t.Proc.Kill()
		}
	case RoleListener:
		if t.cancel != nil {
			t.cancel()
		}
		if t.Listener != nil {
			_ = t.Listener.Close()
		}
	}
}

// handleData enqueues bytes to the tunnel's output side: the outbound
// socket's write side, or the process's stdin. Unknown tid or unconnected
// tunnel: discard and notify CLOSE (spec.md §3 invariant 2).
func (p *Peer) handleData(id tunnel.ID, payload []byte) {
	t := p.table.Lookup(id)
	if t == nil || t.State != tunnel.StateConnected {
		_ = p.codec.Write(wire.CmdClose, id, nil)
		return
	}
	var w io.Writer
	switch t.Role {
	case RoleOutbound:
		w = t.Conn
	case RoleProcess:
		w = t.Proc.Input()
	default:
		_ = p.codec.Write(wire.CmdClose, id, nil)
		return
	}
	if w == nil {
		return
	}
	if _, err := w.Write(payload); err != nil {
		p.closeAndNotify(id, t)
	}
}

func (p *Peer) closeAndNotify(id tunnel.ID, t *Tunnel) {
	p.releaseRecord(t)
	p.table.Remove(id)
	_ = p.codec.Write(wire.CmdClose, id, nil)
}

// pumpToChannel copies bytes read from r onto the channel as DATA frames
// tagged with id until r is exhausted or errors, then tears the tunnel down
// with a CLOSE notification (spec.md §4.8: "On EOF... send CLOSE and
// drop" for process tunnels; the same pump serves outbound sockets).
func (p *Peer) pumpToChannel(id tunnel.ID, r io.Reader) {
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if werr := p.codec.Write(wire.CmdData, id, append([]byte(nil), buf[:n]...)); werr != nil {
					return
				}
			}
			if err != nil {
				if t := p.table.Lookup(id); t != nil {
					p.closeAndNotify(id, t)
				}
				return
			}
		}
	}()
}
