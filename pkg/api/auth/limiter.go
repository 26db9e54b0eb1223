// Package auth holds request admission: per-client rate limiting. Identity is
// the caller's concern; clients are keyed by remote IP.
package auth

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"convodb/pkg/api/router"
	"convodb/pkg/logger"
)

type Config struct {
	RPS   float64
	Burst int
	// TTL evicts limiters idle for longer; defaults to 10m.
	TTL time.Duration
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// LimiterPool keeps one token bucket per client key.
type LimiterPool struct {
	mu            sync.Mutex
	m             map[string]*limiterEntry
	cfg           Config
	cleanupPeriod time.Duration
	now           func() time.Time
	startCleanup  sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
}

func NewLimiterPool(cfg Config) *LimiterPool {
	if cfg.RPS <= 0 {
		cfg.RPS = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &LimiterPool{
		m:             make(map[string]*limiterEntry),
		cfg:           cfg,
		cleanupPeriod: time.Minute,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = p.now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: p.now()}
	return l
}

// Allow reports whether key may make a request now.
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len is the number of tracked clients.
func (p *LimiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *LimiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *LimiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *LimiterPool) evictIdle() {
	cutoff := p.now().Add(-p.cfg.TTL)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// Middleware rejects requests over the client's rate with 429.
func (p *LimiterPool) Middleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key := ctx.RemoteIP().String()
		if !p.Allow(key) {
			logger.Debug("rate_limited", "remote", key, "path", string(ctx.Path()))
			ctx.Response.Header.Set("Retry-After", "1")
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(ctx)
	}
}
