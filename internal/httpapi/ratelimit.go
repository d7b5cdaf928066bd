package httpapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// clientIP prefers proxy headers. The API is expected to sit behind a load
// balancer that overwrites them.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type bucket struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a token bucket per client address with a bounded table.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTracked      int
	buckets         map[string]bucket
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTracked int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTracked:      maxTracked,
		buckets:         make(map[string]bucket),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.maxTracked {
			l.evictOldest()
		}
		l.buckets[ip] = bucket{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(b.lastAt).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.refillPerSecond)
	}
	b.lastAt = now
	b.lastSeen = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.buckets[ip] = b
	return allowed
}

func (l *ipRateLimiter) evictOldest() {
	var (
		oldestIP string
		oldestAt time.Time
	)
	for ip, b := range l.buckets {
		if oldestIP == "" || b.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = b.lastSeen
		}
	}
	delete(l.buckets, oldestIP)
}
