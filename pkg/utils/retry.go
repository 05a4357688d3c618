package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig is the single retry policy shared by every caller that retries.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(err error, attempt int, wait time.Duration)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (cfg RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.Multiplier = cfg.BackoffFactor
	if eb.Multiplier < 1 {
		eb.Multiplier = 2.0
	}
	eb.MaxInterval = cfg.MaxDelay
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

func (cfg RetryConfig) classify(err error) error {
	if err == nil {
		return nil
	}
	if cfg.Retryable != nil && !cfg.Retryable(err) {
		return backoff.Permanent(err)
	}
	return err
}

func (cfg RetryConfig) notify() backoff.Notify {
	attempt := 0
	return func(err error, wait time.Duration) {
		attempt++
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt, wait)
		}
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, exhausts MaxAttempts, or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return backoff.RetryNotify(func() error {
		return cfg.classify(fn())
	}, cfg.backOff(ctx), cfg.notify())
}

// RetryWithResult executes fn with exponential backoff and returns its result.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := fn()
		return v, cfg.classify(err)
	}, cfg.backOff(ctx), cfg.notify())
}
