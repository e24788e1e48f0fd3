package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig keeps test retries well under a millisecond.
func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Microsecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return ErrOptimisticLock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("definition rejected")
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(5), func() error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return ErrStoreUnavailable
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, &RetryConfig{
		MaxAttempts:   10,
		InitialDelay:  time.Hour, // never elapses; cancellation must win
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}, func() error {
		calls++
		cancel()
		return ErrOptimisticLock
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryJitterStaysBounded(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  time.Microsecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return ErrOptimisticLock
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 4, calls)
	// Jitter adds at most 10% of each delay; the run stays well inside the
	// backoff budget.
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryNilConfigUsesDefaults(t *testing.T) {
	err := Retry(context.Background(), nil, func() error { return nil })
	assert.NoError(t, err)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.JitterEnabled)
}
