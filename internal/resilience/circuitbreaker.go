// Package resilience guards the quote provider with a circuit breaker so a
// dead upstream fails the rest of a run fast instead of burning the rate budget.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "barkeeper/internal/errors"
)

// CircuitState is the breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig tunes a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive provider failures open the circuit; 0 disables it.
	FailureThreshold int
	// SuccessThreshold trial calls must pass in half-open before closing.
	SuccessThreshold int
	// Cooldown is the time spent open before a trial call is let through.
	Cooldown time.Duration
	// Trips decides whether an error counts against the provider. Nil counts every error.
	Trips func(error) bool
}

// ErrCircuitOpen is returned without calling the provider while the circuit is open.
// It wraps ErrRateLimited so callers classify it as transient.
var ErrCircuitOpen = fmt.Errorf("provider circuit open: %w", apperrors.ErrRateLimited)

// CircuitBreaker counts consecutive provider failures across a run.
type CircuitBreaker struct {
	provider string
	config   CircuitBreakerConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	trials      int
	openedAt    time.Time
	counts      Counts
}

// Counts are the lifetime totals of a breaker.
type Counts struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
	Rejected int64 `json:"rejected"`
	Opened   int64 `json:"opened"`
}

// NewCircuitBreaker creates a closed breaker for provider.
func NewCircuitBreaker(provider string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		provider: provider,
		config:   config,
		logger:   zerolog.Nop(),
		now:      time.Now,
		state:    CircuitClosed,
	}
}

// SetLogger reports state changes to logger.
func (cb *CircuitBreaker) SetLogger(logger zerolog.Logger) {
	cb.logger = logger.With().Str("component", "breaker").Str("provider", cb.provider).Logger()
}

// Execute runs fn on the caller's goroutine unless the circuit is open.
// A nil or disabled breaker always runs fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if cb == nil || cb.config.FailureThreshold <= 0 {
		return fn(ctx)
	}
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.observe(err)
	return err
}

// ExecuteWithResult is Execute for functions that return a value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Calls++
	if cb.state != CircuitOpen {
		return true
	}
	if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
		cb.counts.Rejected++
		return false
	}
	cb.move(CircuitHalfOpen)
	return true
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (cb.config.Trips == nil || cb.config.Trips(err)) {
		cb.counts.Failures++
		cb.consecutive++
		if cb.state == CircuitHalfOpen || cb.consecutive >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.counts.Opened++
			cb.move(CircuitOpen)
		}
		return
	}

	cb.consecutive = 0
	if cb.state == CircuitHalfOpen {
		cb.trials++
		if cb.trials >= cb.config.SuccessThreshold {
			cb.move(CircuitClosed)
		}
	}
}

// move must be called with mu held.
func (cb *CircuitBreaker) move(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.trials = 0
	if to != CircuitOpen {
		cb.consecutive = 0
	}

	ev := cb.logger.Info()
	if to == CircuitOpen {
		ev = cb.logger.Warn().Dur("cooldown", cb.config.Cooldown)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("Provider circuit changed state")
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns lifetime totals.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
