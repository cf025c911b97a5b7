package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(breakerCfg Config, retryCfg RetryConfig) *Registry {
	r := NewRegistry(breakerCfg, retryCfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.sleepFn = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRegistry_ExecuteSuccess(t *testing.T) {
	r := testRegistry(Config{}, RetryConfig{})

	calls := 0
	err := r.Execute(context.Background(), "upstream-api", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRegistry_RetriesTransientFailures(t *testing.T) {
	r := testRegistry(Config{}, RetryConfig{MaxAttempts: 3})

	calls := 0
	err := r.Execute(context.Background(), "upstream-api", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateClosed, r.Breaker("upstream-api").GetState())
}

func TestRegistry_TerminalFailureSkipsRetry(t *testing.T) {
	r := testRegistry(Config{FailureThreshold: 5}, RetryConfig{MaxAttempts: 3})

	calls := 0
	err := r.Execute(context.Background(), "upstream-api", func(ctx context.Context) error {
		calls++
		return Terminal(errors.New("invalid params"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal failures must not be retried")
}

func TestRegistry_ExhaustedRetriesCountOnceAgainstBreaker(t *testing.T) {
	r := testRegistry(Config{FailureThreshold: 2, OpenTimeout: time.Hour}, RetryConfig{MaxAttempts: 3})

	failing := func(ctx context.Context) error {
		return Transient(errors.New("timeout"))
	}

	require.Error(t, r.Execute(context.Background(), "flaky", failing))
	assert.Equal(t, StateClosed, r.Breaker("flaky").GetState(),
		"one exhausted cycle is one definitive failure, not three")

	require.Error(t, r.Execute(context.Background(), "flaky", failing))
	assert.Equal(t, StateOpen, r.Breaker("flaky").GetState())
}

func TestRegistry_OpenBreakerFailsFast(t *testing.T) {
	r := testRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Hour}, RetryConfig{MaxAttempts: 1})

	require.Error(t, r.Execute(context.Background(), "down", func(ctx context.Context) error {
		return errors.New("boom")
	}))

	calls := 0
	err := r.Execute(context.Background(), "down", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls, "open breaker must not invoke the operation")
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r := testRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Hour}, RetryConfig{MaxAttempts: 1})

	require.Error(t, r.Execute(context.Background(), "a", func(ctx context.Context) error {
		return errors.New("boom")
	}))

	err := r.Execute(context.Background(), "b", func(ctx context.Context) error { return nil })
	require.NoError(t, err, "breaker state must be per key")
}

func TestRegistry_PublishesStateGauge(t *testing.T) {
	r := testRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Hour}, RetryConfig{MaxAttempts: 1})

	r.Breaker("gauge-upstream")
	assert.Equal(t, float64(StateClosed),
		testutil.ToFloat64(metrics.BreakerState.WithLabelValues("gauge-upstream")))

	require.Error(t, r.Execute(context.Background(), "gauge-upstream", func(ctx context.Context) error {
		return errors.New("boom")
	}))
	assert.Equal(t, float64(StateOpen),
		testutil.ToFloat64(metrics.BreakerState.WithLabelValues("gauge-upstream")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassTerminal},
		{"explicit transient", Transient(errors.New("x")), ClassTransient},
		{"explicit terminal", Terminal(errors.New("timeout")), ClassTerminal},
		{"context canceled", context.Canceled, ClassTerminal},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"throttled message", fmt.Errorf("provider: too many requests"), ClassTransient},
		{"bad gateway message", errors.New("http status 502 from upstream"), ClassTransient},
		{"auth message", errors.New("request unauthorized"), ClassTerminal},
		{"unknown message", errors.New("something odd"), ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
