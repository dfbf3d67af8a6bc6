// Package channel implements the framed codec that turns the single duplex
// byte stream carried by a virtual channel transport into a sequence of
// wire.Frame values, plus the liveness bookkeeping both peers use to decide
// whether that stream is still alive.
//
// The original is single-threaded and cooperative (readiness-based on the
// client, completion-based on the server — see spec.md §4.3/§4.4); this
// re-expression keeps the same ordering invariants — frames are FIFO on the
// wire, §5 — using a dedicated writer goroutine fed by a channel instead of
// a reactor loop, per spec.md §9's own note that the cooperative-I/O design
// should become "an explicit reactor" in a re-implementation with real
// goroutines available.
//
// Grounded on the read/dispatch shape of original_source/common/channel.c
// and the liveness clock in client/main.c's is_connected.
package channel

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"rdp2tcp/iobuf"
	"rdp2tcp/wire"
)

// ErrClosed is returned by Write after the codec has been closed.
var ErrClosed = errors.New("channel: codec closed")

// Dispatch handles one decoded frame. Returning an error from Dispatch tears
// down the codec the same way a fatal wire.ProtoError would.
type Dispatch func(wire.Frame) error

// Codec frames an underlying transport stream into wire.Frame values and
// serializes writes back onto it.
type Codec struct {
	transport io.ReadWriteCloser
	log       *zap.Logger

	writeCh chan []byte
	closeCh chan struct{}
	closeOn sync.Once
	wg      sync.WaitGroup

	mu           sync.Mutex
	lastActivity time.Time
	lastWrite    time.Time
}

// New wraps transport in a Codec. log may be nil.
func New(transport io.ReadWriteCloser, log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Codec{
		transport:    transport,
		log:          log,
		writeCh:      make(chan []byte, 64),
		closeCh:      make(chan struct{}),
		lastActivity: time.Now(),
		lastWrite:    time.Now(),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// writeLoop is the single writer: every Write call funnels its encoded frame
// through writeCh, and this goroutine is the only place that calls
// transport.Write, so two concurrent Write calls can never interleave their
// bytes on the wire.
func (c *Codec) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case buf, ok := <-c.writeCh:
			if !ok {
				return
			}
			if _, err := c.transport.Write(buf); err != nil {
				c.log.Warn("channel write failed", zap.Error(err))
				return
			}
			c.mu.Lock()
			c.lastWrite = time.Now()
			c.mu.Unlock()
		case <-c.closeCh:
			return
		}
	}
}

// Write encodes and enqueues one frame for transmission. It returns once the
// frame has been handed to the writer goroutine, not once it has hit the
// wire; ordering across calls is still guaranteed.
func (c *Codec) Write(cmd wire.Cmd, tid byte, payload []byte) error {
	buf := wire.Encode(cmd, tid, payload)
	select {
	case c.writeCh <- buf:
		return nil
	case <-c.closeCh:
		return ErrClosed
	}
}

// Run reads from the transport until it errs, EOFs, or ctx's analog (the
// caller's Close) fires, decoding complete frames and handing each to
// dispatch in arrival order. It returns the error that ended the loop: nil
// only if Close was called concurrently, an io error on transport failure,
// or the *wire.ProtoError / dispatch error that made the stream fatal.
func (c *Codec) Run(dispatch Dispatch) error {
	var in iobuf.Buf
	sizer := iobuf.NewChunkSizer()

	for {
		chunk := sizer.Size()
		dst := in.Grow(chunk)
		n, err := c.transport.Read(dst)
		if n > 0 {
			in.Commit(n)
			sizer.Observe(n)
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()

			for {
				fr, consumed, derr := wire.Decode(in.Bytes())
				if derr != nil {
					return derr
				}
				if consumed == 0 {
					break
				}
				if herr := dispatch(fr); herr != nil {
					return herr
				}
				in.Consume(consumed)
			}
		}
		if err != nil {
			select {
			case <-c.closeCh:
				return nil
			default:
			}
			if err == io.EOF {
				return io.EOF
			}
			return err
		}
	}
}

// Touch records activity without a completed frame, for callers that
// observe raw transport liveness outside Run.
func (c *Codec) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent successful read.
func (c *Codec) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// LastWrite returns the time of the most recent successful write.
func (c *Codec) LastWrite() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWrite
}

// IsConnected implements the client-side liveness check from spec.md §4.3:
// the channel is alive iff something was read within pingDelay+4 seconds.
func (c *Codec) IsConnected(pingDelay time.Duration) bool {
	return time.Since(c.LastActivity()) < pingDelay+4*time.Second
}

// ShouldPing implements the server-side ping cadence from spec.md §4.4: emit
// a PING if nothing has been written for pingDelay-1 seconds.
func (c *Codec) ShouldPing(pingDelay time.Duration) bool {
	return time.Since(c.LastWrite()) >= pingDelay-time.Second
}

// Close stops the writer goroutine and closes the underlying transport,
// unblocking any in-progress Run. Safe to call more than once.
func (c *Codec) Close() error {
	var err error
	c.closeOn.Do(func() {
		close(c.closeCh)
		err = c.transport.Close()
		c.wg.Wait()
	})
	return err
}
