package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
)

// RetryConfig bounds the internal retry applied before a failure becomes
// definitive and is counted against the breaker.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // first backoff delay (default: 200ms)
	MaxDelay    time.Duration // backoff cap (default: 5s)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Registry holds one independent breaker per integration key and wraps
// upstream calls with bounded retry.
type Registry struct {
	breakerCfg Config
	retryCfg   RetryConfig
	logger     *slog.Logger
	sleepFn    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry. Every key gets an independent
// breaker with the given config on first use.
func NewRegistry(breakerCfg Config, retryCfg RetryConfig, logger *slog.Logger) *Registry {
	return &Registry{
		breakerCfg: breakerCfg,
		retryCfg:   retryCfg.withDefaults(),
		logger:     logger.With("component", "circuitbreaker"),
		sleepFn:    sleepCtx,
		breakers:   make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for key, creating it on first use.
func (r *Registry) Breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		cfg := r.breakerCfg
		key := key
		prev := cfg.OnStateChange
		cfg.OnStateChange = func(from, to State) {
			r.logger.Warn("breaker state change", "key", key, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(key).Set(float64(to))
			if prev != nil {
				prev(from, to)
			}
		}
		b = New(cfg)
		metrics.BreakerState.WithLabelValues(key).Set(float64(StateClosed))
		r.breakers[key] = b
	}
	return b
}

// Execute runs op behind key's breaker. Transient failures are retried with
// exponential backoff up to MaxAttempts; only the exhausted (or terminal)
// failure is recorded against the breaker. An open breaker fails fast with
// ErrCircuitOpen without invoking op.
func (r *Registry) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	b := r.Breaker(key)
	if err := b.Allow(); err != nil {
		return err
	}

	var lastErr error
	delay := r.retryCfg.BaseDelay
	for attempt := 1; attempt <= r.retryCfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			b.RecordSuccess()
			return nil
		}
		lastErr = err

		if Classify(err) != ClassTransient || attempt == r.retryCfg.MaxAttempts {
			break
		}

		r.logger.Debug("transient upstream failure, retrying",
			"key", key, "attempt", attempt, "delay", delay.String(), "error", err)
		if sleepErr := r.sleepFn(ctx, delay); sleepErr != nil {
			lastErr = sleepErr
			break
		}
		delay *= 2
		if delay > r.retryCfg.MaxDelay {
			delay = r.retryCfg.MaxDelay
		}
	}

	b.RecordFailure()
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
