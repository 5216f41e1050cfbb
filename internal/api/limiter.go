package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/huddle/internal/config"
)

// limiterIdle is how long a user's bucket is kept after their last
// request. A bucket idle this long has refilled, so dropping it does
// not change what the user is allowed.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiterPool hands out one token bucket per user and forgets users
// that have gone quiet.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	cfg       config.RateLimitConfig
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(cfg config.RateLimitConfig) *limiterPool {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	idle := limiterIdle
	if refill := time.Duration(float64(cfg.Burst) / cfg.RPS * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &limiterPool{
		m:    make(map[string]*limiterEntry),
		cfg:  cfg,
		idle: idle,
		now:  time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}
	if e, ok := p.m[key]; ok {
		e.seen = now
		return e.lim
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)
	p.m[key] = &limiterEntry{lim: l, seen: now}
	return l
}

// sweep drops buckets unused for p.idle. Callers hold p.mu.
func (p *limiterPool) sweep(now time.Time) {
	for k, e := range p.m {
		if now.Sub(e.seen) >= p.idle {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}

// Allow reports whether key may make a request now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
