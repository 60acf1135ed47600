package web

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter keeps one token bucket per client IP. A bucket holds n tokens
// and refills over window, so a client gets n requests per window.
type ipLimiter struct {
	tier   string
	window time.Duration
	every  rate.Limit
	burst  int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(tier string, window time.Duration, n int) *ipLimiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if n <= 0 {
		n = 1
	}
	return &ipLimiter{
		tier:    tier,
		window:  window,
		every:   rate.Every(window / time.Duration(n)),
		burst:   n,
		clients: make(map[string]*clientBucket),
	}
}

// allow spends one token for ip. When the bucket is empty it returns false
// and how long until the next token.
func (l *ipLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, l.window
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// prune forgets clients idle for a full window; their buckets are full again anyway.
func (l *ipLimiter) prune(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.clients, ip)
		}
	}
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// retryAfterSeconds rounds d up to whole seconds for the Retry-After header.
func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
