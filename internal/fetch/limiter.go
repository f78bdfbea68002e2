package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter spaces requests to the same host by a minimum interval.
type HostLimiter struct {
	delay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter creates a limiter with the given default per-host interval.
// A zero delay disables limiting unless a host asks for one.
func NewHostLimiter(delay time.Duration) *HostLimiter {
	return &HostLimiter{
		delay:    delay,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to host may start. The interval is the larger
// of the configured delay and minDelay (for example a robots Crawl-delay).
func (l *HostLimiter) Wait(ctx context.Context, host string, minDelay time.Duration) error {
	if l == nil || host == "" {
		return nil
	}
	interval := max(l.delay, minDelay)
	if interval <= 0 {
		return nil
	}
	host = strings.ToLower(host)

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		l.limiters[host] = limiter
	} else if limiter.Limit() != rate.Every(interval) {
		limiter.SetLimit(rate.Every(interval))
	}
	l.mu.Unlock()

	return limiter.Wait(ctx)
}
