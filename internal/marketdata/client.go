package marketdata

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/logging"
	"barkeeper/internal/models"
	"barkeeper/internal/performance"
	"barkeeper/internal/resilience"
	"barkeeper/pkg/utils"
)

// ClientConfig tunes a Client.
type ClientConfig struct {
	Retry utils.RetryConfig
	// Timeout bounds a single provider attempt. Zero leaves it to the provider.
	Timeout time.Duration
	// Breaker guards the provider across a run. Nil disables it.
	Breaker *resilience.CircuitBreaker
}

// Client is the engine's only path to the provider. Every attempt, retries
// included, takes a token from the shared limiter first.
type Client struct {
	provider Provider
	limiter  *performance.RateLimiter
	config   ClientConfig
	logger   zerolog.Logger

	attempts atomic.Int64
}

// NewClient creates a client. A nil limiter means unthrottled.
func NewClient(provider Provider, limiter *performance.RateLimiter, cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = apperrors.IsRetryable
	}
	return &Client{
		provider: provider,
		limiter:  limiter,
		config:   cfg,
		logger:   logger.With().Str("component", "marketdata").Str("provider", provider.Name()).Logger(),
	}
}

// Provider returns the wrapped provider.
func (c *Client) Provider() Provider {
	return c.provider
}

// Limiter returns the shared request budget, or nil when unthrottled.
func (c *Client) Limiter() *performance.RateLimiter {
	return c.limiter
}

// Attempts returns the number of provider calls made so far.
func (c *Client) Attempts() int64 {
	return c.attempts.Load()
}

// Fetch returns raw bars for one symbol and granularity. Transient failures
// are retried up to the configured cap; auth and request errors return at once.
func (c *Client) Fetch(ctx context.Context, symbol models.Symbol, g models.Granularity, mode models.FetchMode) ([]models.RawBar, error) {
	req := Request{Symbol: symbol, Granularity: g, Mode: mode}
	logger := logging.WithUnit(c.logger, symbol, g)

	retry := c.config.Retry
	retry.OnRetry = func(err error, attempt int, wait time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Provider call failed, retrying")
	}

	return resilience.ExecuteWithResult(ctx, c.config.Breaker, func(ctx context.Context) ([]models.RawBar, error) {
		return utils.RetryWithResult(ctx, retry, func() ([]models.RawBar, error) {
			return c.attempt(ctx, req, logger)
		})
	})
}

func (c *Client) attempt(ctx context.Context, req Request, logger zerolog.Logger) ([]models.RawBar, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	c.attempts.Add(1)
	start := time.Now()
	bars, err := c.provider.Bars(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.NewProviderTransientError(c.provider.Name(), 0, "request timed out", apperrors.ErrTimeout)
	}
	logging.LogAPICall(logger, "GET", req.String(), time.Since(start), err)
	return bars, err
}
