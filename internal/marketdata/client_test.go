package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
	"barkeeper/internal/performance"
	"barkeeper/internal/resilience"
	"barkeeper/pkg/utils"
)

func rawBars(n int) []models.RawBar {
	out := make([]models.RawBar, n)
	start := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.RawBar{
			Timestamp: start.Add(time.Duration(i) * time.Minute).Format("2006-01-02 15:04:05"),
			Open:      "10", High: "11", Low: "9", Close: "10.5", Volume: "100",
		}
	}
	return out
}

func fastRetry(attempts int) utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func transient() error {
	return apperrors.NewProviderTransientError("static", 503, "unavailable", nil)
}

// Three consecutive transient failures followed by a success.
func TestScenario_TransientFailuresThenSuccess(t *testing.T) {
	t.Run("cap of four attempts succeeds", func(t *testing.T) {
		p := NewStaticProvider(0)
		p.Set("AAPL", models.Daily, rawBars(5))
		p.FailNext("AAPL", models.Daily, transient(), transient(), transient())

		c := NewClient(p, nil, ClientConfig{Retry: fastRetry(4)}, zerolog.Nop())
		bars, err := c.Fetch(context.Background(), "AAPL", models.Daily, models.Full)
		require.NoError(t, err)
		assert.Len(t, bars, 5)
		assert.EqualValues(t, 4, c.Attempts())
	})

	t.Run("cap of three attempts fails", func(t *testing.T) {
		p := NewStaticProvider(0)
		p.Set("AAPL", models.Daily, rawBars(5))
		p.FailNext("AAPL", models.Daily, transient(), transient(), transient())

		c := NewClient(p, nil, ClientConfig{Retry: fastRetry(3)}, zerolog.Nop())
		_, err := c.Fetch(context.Background(), "AAPL", models.Daily, models.Full)
		require.Error(t, err)
		var te *apperrors.ProviderTransientError
		assert.ErrorAs(t, err, &te)
		assert.EqualValues(t, 3, c.Attempts())
	})
}

func TestClientAuthNotRetried(t *testing.T) {
	p := NewStaticProvider(0)
	p.FailNext("AAPL", models.Daily, apperrors.NewProviderAuthError("static", "bad key"))

	c := NewClient(p, nil, ClientConfig{Retry: fastRetry(5)}, zerolog.Nop())
	_, err := c.Fetch(context.Background(), "AAPL", models.Daily, models.Full)
	var auth *apperrors.ProviderAuthError
	require.ErrorAs(t, err, &auth)
	assert.EqualValues(t, 1, c.Attempts())
}

func TestClientCompactLimit(t *testing.T) {
	p := NewStaticProvider(3)
	p.Set("AAPL", models.Intraday1m, rawBars(10))

	c := NewClient(p, nil, ClientConfig{Retry: fastRetry(1)}, zerolog.Nop())
	bars, err := c.Fetch(context.Background(), "AAPL", models.Intraday1m, models.Compact)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, rawBars(10)[9], bars[2])

	bars, err = c.Fetch(context.Background(), "AAPL", models.Intraday1m, models.Full)
	require.NoError(t, err)
	assert.Len(t, bars, 10)

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.Compact, calls[0].Mode)
}

func TestClientUsesLimiterPerAttempt(t *testing.T) {
	p := NewStaticProvider(0)
	p.Set("AAPL", models.Daily, rawBars(1))
	p.FailNext("AAPL", models.Daily, transient())

	limiter := performance.NewPerMinuteLimiter(60, 5)
	c := NewClient(p, limiter, ClientConfig{Retry: fastRetry(3)}, zerolog.Nop())
	_, err := c.Fetch(context.Background(), "AAPL", models.Daily, models.Compact)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, limiter.Tokens(), 0.5)
}

func TestClientCancelledWhileWaitingForToken(t *testing.T) {
	p := NewStaticProvider(0)
	limiter := performance.NewPerMinuteLimiter(1, 1)
	require.True(t, limiter.Allow())

	c := NewClient(p, limiter, ClientConfig{Retry: fastRetry(3)}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, "AAPL", models.Daily, models.Compact)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, p.Calls())
}

func TestClientBreakerOpens(t *testing.T) {
	p := NewStaticProvider(0)
	breaker := resilience.NewCircuitBreaker("provider", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Hour,
		Trips:            apperrors.IsRetryable,
	})
	c := NewClient(p, nil, ClientConfig{Retry: fastRetry(1), Breaker: breaker}, zerolog.Nop())

	for _, sym := range []models.Symbol{"A", "B"} {
		p.FailNext(sym, models.Daily, transient())
		_, err := c.Fetch(context.Background(), sym, models.Daily, models.Compact)
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, breaker.State())

	p.Set("C", models.Daily, rawBars(1))
	_, err := c.Fetch(context.Background(), "C", models.Daily, models.Compact)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 2, c.Attempts())
}

func TestClientAttemptTimeout(t *testing.T) {
	c := NewClient(slowProvider{}, nil, ClientConfig{Retry: fastRetry(2), Timeout: 10 * time.Millisecond}, zerolog.Nop())
	_, err := c.Fetch(context.Background(), "AAPL", models.Daily, models.Compact)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.EqualValues(t, 2, c.Attempts())
}

type slowProvider struct{}

func (slowProvider) Name() string { return "slow" }

func (slowProvider) Bars(ctx context.Context, req Request) ([]models.RawBar, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
