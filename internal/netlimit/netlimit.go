// Package netlimit throttles new-connection admission per source address,
// independent of the per-client bandwidth estimator in internal/bandwidth
// (which paces an already-admitted client's encoded-frame traffic). The
// per-visitor token buckets are keyed on a raw net.Addr so the limiter can
// gate a listener's Accept loop before any client session is allocated.
package netlimit

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks per-source-address connection admission. Rate limiting is
// per-process: each gorfbd instance maintains its own counters.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stop     chan struct{}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter that allows r new connections per second per
// source address, with a maximum burst of b. Stale entries are swept
// periodically so long-running servers don't leak memory over many
// distinct source addresses.
func New(r rate.Limit, b int) *Limiter {
	l := &Limiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    b,
		cleanup:  3 * time.Minute,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection from addr should be accepted.
func (l *Limiter) Allow(addr net.Addr) bool {
	key := hostOf(addr)
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				if time.Since(v.lastSeen) > l.cleanup {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// hostOf strips the port from a dialed address, so different ephemeral
// client ports from the same host share one limiter bucket.
func hostOf(addr net.Addr) string {
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
