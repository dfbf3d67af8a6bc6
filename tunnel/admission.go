package tunnel

import (
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// AdmissionGate is a per-IP request-rate limiter guarding the client's
// listening front ends (controller, SOCKS5, forward listeners). It never
// touches tunnel protocol semantics — a rejected connection is simply closed
// before a tid is ever allocated for it.
//
// Grounded on the per-IP WAF counter in controller/server.go (ipCache +
// go-cache Increment), generalized from a single hardcoded listener into a
// reusable gate any front end can share.
type AdmissionGate struct {
	hits  *cache.Cache
	limit int
}

// NewAdmissionGate returns a gate allowing up to limit connections from a
// single remote IP within window before further attempts are rejected.
func NewAdmissionGate(limit int, window time.Duration) *AdmissionGate {
	return &AdmissionGate{
		hits:  cache.New(window, 2*window),
		limit: limit,
	}
}

// Allow reports whether a new connection from addr (a net.Addr.String(),
// "host:port" form) should be admitted. Only admitted attempts are counted;
// a rejected attempt leaves the count unchanged.
func (g *AdmissionGate) Allow(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}

	if count, found := g.hits.Get(host); found {
		if count.(int) >= g.limit {
			return false
		}
		g.hits.Increment(host, 1)
		return true
	}
	g.hits.Set(host, 1, cache.DefaultExpiration)
	return true
}
