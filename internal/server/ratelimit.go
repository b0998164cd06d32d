package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// rateLimitPruneThreshold is the number of tracked IPs above which
	// idle limiters are dropped.
	rateLimitPruneThreshold = 1000
	rateLimitIdle           = 10 * time.Minute
)

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// credentialLimiter throttles credential endpoints per client IP with a
// token bucket refilling perMinute tokens a minute.
type credentialLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newCredentialLimiter(perMinute int) *credentialLimiter {
	if perMinute < 1 {
		perMinute = 1
	}

	return &credentialLimiter{
		limiters: make(map[string]*ipLimiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
	}
}

// allow takes one token for ip. When none is available it returns
// false and how long until one is.
func (cl *credentialLimiter) allow(ip string) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()

	// Prevent unbounded growth from many distinct source IPs.
	if len(cl.limiters) > rateLimitPruneThreshold {
		for k, l := range cl.limiters {
			if now.Sub(l.lastSeen) > rateLimitIdle {
				delete(cl.limiters, k)
			}
		}
	}

	l, ok := cl.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(cl.limit, cl.burst)}
		cl.limiters[ip] = l
	}
	l.lastSeen = now

	res := l.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}

	return true, 0
}

func (cl *credentialLimiter) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}
