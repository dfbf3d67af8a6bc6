package netfacade

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// DialFast resolves every address for host and races parallel TCP dials,
// returning whichever connects first. A forward tunnel's remote target may
// resolve to several A/AAAA records; racing them keeps the server's CONN
// answer latency down to the fastest reachable address instead of the
// first one the resolver happens to list.
//
// Adapted directly from the teacher's controller/direct.go DialFast, which
// did the same race for its "normal" proxy mode; here it backs
// serverpeer's forward-tunnel dialer instead of an HTTP proxy's upstream
// connect.
func DialFast(ctx context.Context, addr string) (net.Conn, error) {
	dialTimeout := 3 * time.Second

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialSingle(ctx, addr, dialTimeout)
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return dialSingle(ctx, net.JoinHostPort(ip.String(), port), dialTimeout)
	}

	raceCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	addrs, rerr := net.DefaultResolver.LookupIP(raceCtx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return dialSingle(ctx, addr, dialTimeout)
	}

	type result struct {
		c   net.Conn
		err error
	}
	resCh := make(chan result, 1)
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-raceCtx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: 2 * time.Second}
			c, e := d.DialContext(raceCtx, "tcp", net.JoinHostPort(ip.String(), port))
			if e == nil {
				select {
				case resCh <- result{c: c}:
					cancel()
				default:
					_ = c.Close()
				}
			}
		}(i, ip)
	}

	select {
	case r := <-resCh:
		return r.c, r.err
	case <-raceCtx.Done():
		return dialSingle(ctx, addr, dialTimeout)
	}
}

func dialSingle(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}
