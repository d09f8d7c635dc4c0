package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Local is the in-process limiter used when no Redis is configured. Each key
// gets its own token bucket with the same capacity and refill.
type Local struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		limit:    rate.Limit(refillPerSecond),
		burst:    capacity,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, float64, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	allowed := lim.Allow()
	return allowed, lim.Tokens(), nil
}
