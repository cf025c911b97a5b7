package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits or rejects an operation for an integration key. TryAcquire
// is non-blocking: callers that are rejected decide for themselves whether to
// retry later.
type Limiter interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
}

// Config describes a token bucket: at most MaxTokens acquisitions per Window.
type Config struct {
	MaxTokens int           // default: 60
	Window    time.Duration // default: 60s
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyedLimiter maintains one in-process token bucket per integration key.
// Buckets that have not been touched for a full window are garbage-collected.
type KeyedLimiter struct {
	cfg   Config
	nowFn func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewKeyedLimiter creates a process-local keyed limiter.
func NewKeyedLimiter(cfg Config) *KeyedLimiter {
	return &KeyedLimiter{
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
		buckets: make(map[string]*bucket),
	}
}

// TryAcquire takes one token from the key's bucket, creating a full bucket on
// first use. It never blocks and never returns an error for the local backend.
func (l *KeyedLimiter) TryAcquire(_ context.Context, key string) (bool, error) {
	now := l.nowFn()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		refill := rate.Limit(float64(l.cfg.MaxTokens) / l.cfg.Window.Seconds())
		b = &bucket{limiter: rate.NewLimiter(refill, l.cfg.MaxTokens)}
		l.buckets[key] = b
	}
	b.lastAccess = now
	l.sweepLocked(now)
	l.mu.Unlock()

	return b.limiter.Allow(), nil
}

// Len returns the number of live buckets.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweepLocked drops buckets idle for longer than one window. Called with the
// mutex held on every acquisition; the map stays small so a full scan is fine.
func (l *KeyedLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.cfg.Window {
			delete(l.buckets, key)
		}
	}
}
