package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned (wrapped) once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config holds retry configuration
type Config struct {
	MaxAttempts        int           // Total number of attempts, including the first one
	InitialDelay       time.Duration // Delay before the second attempt
	MaxDelay           time.Duration // Maximum delay between attempts
	Multiplier         float64       // Exponential backoff multiplier (typically 2.0)
	Jitter             bool          // Spread delays by +/-25% to avoid reconnect storms
	NonRetryableErrors []error       // Errors that stop the loop immediately (matched with errors.Is)

	// OnRetry, when set, is called before sleeping with the failed attempt number (1-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig mirrors the signaling client reconnect policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, ctx is cancelled or the attempts are used up.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == attempts-1 {
			break
		}

		delay := Delay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Delay returns the wait before attempt+1: InitialDelay * Multiplier^attempt,
// capped at MaxDelay, optionally spread by +/-25%.
func Delay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		spread := delay / 4
		delay = delay - spread + rand.Float64()*2*spread
	}

	return time.Duration(delay)
}

func isNonRetryable(err error, nonRetryableErrors []error) bool {
	for _, target := range nonRetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
