package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fixed(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_Exhausted(t *testing.T) {
	cause := errors.New("broker down")
	attempts := 0
	err := Do(context.Background(), fixed(3), func() error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	cause := errors.New("bad credentials")
	attempts := 0
	err := Do(context.Background(), fixed(5), func() error {
		attempts++
		return NonRetryable(cause)
	})

	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, NonRetryable(nil))
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fixed(5)
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 5)
}

func TestDo_BackoffTiming(t *testing.T) {
	start := time.Now()
	attempts := 0
	_ = Do(context.Background(), fixed(4), func() error {
		attempts++
		return errors.New("error")
	})
	elapsed := time.Since(start)

	// 10ms + 20ms + 40ms
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, 4, attempts)
}

func TestDo_MaxDelayCaps(t *testing.T) {
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   10.0,
	}

	var delays []time.Duration
	cfg.OnRetry = func(_ int, _ error, d time.Duration) {
		delays = append(delays, d)
	}
	_ = Do(context.Background(), cfg, func() error { return errors.New("error") })

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}, delays)
}

func TestDo_OnRetryReportsAttempt(t *testing.T) {
	cfg := fixed(3)
	var seen []int
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		assert.EqualError(t, err, "nope")
		seen = append(seen, attempt)
	}
	_ = Do(context.Background(), cfg, func() error { return errors.New("nope") })

	assert.Equal(t, []int{1, 2}, seen, "no notification after the last attempt")
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), fixed(3), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "connected", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "connected", result)
}

func TestDo_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative initial", Config{InitialDelay: -1}},
		{"negative max", Config{MaxDelay: -1}},
		{"negative multiplier", Config{Multiplier: -1}},
		{"max below initial", Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			err := Do(context.Background(), tt.cfg, func() error {
				called = true
				return nil
			})
			assert.Error(t, err)
			assert.False(t, called)
		})
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
	assert.Equal(t, 5*time.Second, DefaultConfig().MaxDelay)
	assert.Equal(t, 10, Quick().MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, Quick().InitialDelay)
	assert.Equal(t, 30, Persistent().MaxAttempts)
	assert.Equal(t, 10*time.Second, Persistent().MaxDelay)
}
