package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	var retried []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		assert.ErrorIs(t, err, errTestError)
		retried = append(retried, attempt)
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_Exhausted(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return errTestError
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTestError)
	assert.Equal(t, 3, attempts, "MaxAttempts bounds the total number of calls")
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.NonRetryableErrors = []error{errNonRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errNonRetryable
	})

	assert.ErrorIs(t, err, errNonRetryable)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }

	err := Retry(ctx, cfg, func() error { return errTestError })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	v, err := RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errTestError
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDelay(t *testing.T) {
	cfg := Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2}

	assert.Equal(t, 500*time.Millisecond, Delay(cfg, 0))
	assert.Equal(t, time.Second, Delay(cfg, 1))
	assert.Equal(t, 8*time.Second, Delay(cfg, 4))
	assert.Equal(t, 30*time.Second, Delay(cfg, 9), "delay is capped")

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := Delay(cfg, 2)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}
