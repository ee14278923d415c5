package stream

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// streamLimiter tracks concurrent stream connections per IP and globally.
type streamLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	total       int
	maxPerIP    int
	maxTotal    int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	if maxPerIP <= 0 {
		maxPerIP = 10
	}
	if maxTotal <= 0 {
		maxTotal = 1000
	}
	return &streamLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
	}
}

// acquire attempts to register a new connection for the given IP.
// Returns false if the IP or global limit has been reached.
func (l *streamLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal {
		return false
	}
	if l.connections[ip] >= l.maxPerIP {
		return false
	}

	l.connections[ip]++
	l.total++
	return true
}

// release decrements the connection count for the given IP.
func (l *streamLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connections[ip]--
	l.total--
	if l.connections[ip] <= 0 {
		delete(l.connections, ip)
	}
}

// count returns the number of active connections for the given IP.
func (l *streamLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[ip]
}

// newThrottle returns a token bucket of bytesPerSec bytes per second, or nil
// for unlimited bandwidth.
func newThrottle(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// waitBandwidth blocks until n bytes may be written. Messages larger than
// the bucket are paid for in bucket-sized chunks.
func waitBandwidth(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	burst := l.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
