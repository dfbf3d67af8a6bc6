package serverpeer

import (
	"go.uber.org/zap"

	"rdp2tcp/tunnel"
	"rdp2tcp/wire"
)

// handleProcessConn implements spec.md §4.8 "Process (server)": CONN with
// af=any and port=0 means spawn hostname as a command line via the shell
// and attach its merged stdout+stderr/stdin as the tunnel. The answer's
// addr field carries the child's pid, af=any.
func (p *Peer) handleProcessConn(id tunnel.ID, req wire.ConnRequest) {
	if existing := p.table.Lookup(id); existing != nil {
		p.log.Warn("CONN for tunnel already in use", zap.Uint8("tid", id))
		return
	}

	proc, err := p.spawner.Spawn(req.Hostname)
	if err != nil {
		p.answerConn(id, wire.ConnAnswer{Err: wire.ErrNotFound})
		return
	}

	rec := &Tunnel{Role: RoleProcess, State: tunnel.StateConnected, Proc: proc}
	p.table.Insert(id, rec)

	p.answerConn(id, wire.ConnAnswer{
		Err:  wire.ErrSuccess,
		AF:   wire.AFAny,
		Addr: pidBytes(proc.Pid()),
	})
	p.pumpToChannel(id, proc.Output())

	go func() {
		_ = proc.Wait()
		if t := p.table.Lookup(id); t != nil {
			p.closeAndNotify(id, t)
		}
	}()
}

func pidBytes(pid uint32) []byte {
	return []byte{byte(pid >> 24), byte(pid >> 16), byte(pid >> 8), byte(pid)}
}
