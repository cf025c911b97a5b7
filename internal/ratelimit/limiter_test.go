package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquire(t *testing.T, l Limiter, key string) bool {
	t.Helper()
	ok, err := l.TryAcquire(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestKeyedLimiter_ExhaustsBucket(t *testing.T) {
	l := NewKeyedLimiter(Config{MaxTokens: 5, Window: time.Minute})

	for i := 0; i < 5; i++ {
		assert.True(t, acquire(t, l, "upstream-api"), "acquisition %d should succeed", i+1)
	}
	assert.False(t, acquire(t, l, "upstream-api"), "acquisition beyond bucket must fail")
}

func TestKeyedLimiter_IndependentKeys(t *testing.T) {
	l := NewKeyedLimiter(Config{MaxTokens: 1, Window: time.Minute})

	assert.True(t, acquire(t, l, "webhook-a"))
	assert.False(t, acquire(t, l, "webhook-a"))
	assert.True(t, acquire(t, l, "webhook-b"), "keys must not share buckets")
}

func TestKeyedLimiter_RefillsAfterWindow(t *testing.T) {
	l := NewKeyedLimiter(Config{MaxTokens: 2, Window: 50 * time.Millisecond})

	assert.True(t, acquire(t, l, "k"))
	assert.True(t, acquire(t, l, "k"))
	assert.False(t, acquire(t, l, "k"))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, acquire(t, l, "k"))
	assert.True(t, acquire(t, l, "k"))
	assert.False(t, acquire(t, l, "k"))
}

func TestKeyedLimiter_GarbageCollectsIdleBuckets(t *testing.T) {
	l := NewKeyedLimiter(Config{MaxTokens: 1, Window: 10 * time.Millisecond})

	acquire(t, l, "stale")
	require.Equal(t, 1, l.Len())

	time.Sleep(20 * time.Millisecond)

	// Touching another key sweeps the idle one.
	acquire(t, l, "fresh")
	assert.Equal(t, 1, l.Len())
}

func TestKeyedLimiter_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 60, cfg.MaxTokens)
	assert.Equal(t, time.Minute, cfg.Window)
}
