package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per user so a runaway client
// cannot starve the rest of the class. Buckets are created lazily on
// first use and live for the life of the gateway.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newLimiterPool(perSec float64, burst int) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

// allow reports whether the user may send one more command right now.
// Commands over budget are refused, not queued; the client sees a 429
// and is expected to back off.
func (p *limiterPool) allow(userID string) bool {
	p.mu.Lock()
	lim, ok := p.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(p.perSec, p.burst)
		p.limiters[userID] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}
