// Package errors provides the error taxonomy of the market data engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrMissingAPIKey    = errors.New("provider api key not configured")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("operation timed out")
	ErrEmptyWatchlist   = errors.New("watchlist is empty")
	ErrVerifyMismatch   = errors.New("read-back verification failed")
	ErrLockHeld         = errors.New("dataset is locked by another writer")
	ErrUnsupportedInput = errors.New("unsupported input")
)

// ProviderAuthError means the provider rejected our credentials. Never retried.
type ProviderAuthError struct {
	Provider string
	Message  string
}

func (e *ProviderAuthError) Error() string {
	return fmt.Sprintf("provider auth error [%s]: %s", e.Provider, e.Message)
}

// NewProviderAuthError creates a new ProviderAuthError.
func NewProviderAuthError(provider, message string) *ProviderAuthError {
	return &ProviderAuthError{Provider: provider, Message: message}
}

// ProviderRequestError means the provider considers the request itself invalid
// (unknown symbol, bad parameters). Never retried.
type ProviderRequestError struct {
	Provider string
	Message  string
}

func (e *ProviderRequestError) Error() string {
	return fmt.Sprintf("provider rejected request [%s]: %s", e.Provider, e.Message)
}

// NewProviderRequestError creates a new ProviderRequestError.
func NewProviderRequestError(provider, message string) *ProviderRequestError {
	return &ProviderRequestError{Provider: provider, Message: message}
}

// ProviderTransientError covers timeouts, throttling and 5xx responses.
type ProviderTransientError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderTransientError) Error() string {
	msg := fmt.Sprintf("provider transient error [%s]", e.Provider)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ProviderTransientError) Unwrap() error {
	return e.Err
}

// NewProviderTransientError creates a new ProviderTransientError.
func NewProviderTransientError(provider string, status int, message string, err error) *ProviderTransientError {
	return &ProviderTransientError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}

// MalformedTimestampError is raised for a single bar whose timestamp cannot be parsed.
type MalformedTimestampError struct {
	Value string
	Err   error
}

func (e *MalformedTimestampError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed timestamp %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("malformed timestamp %q", e.Value)
}

func (e *MalformedTimestampError) Unwrap() error {
	return e.Err
}

// NewMalformedTimestampError creates a new MalformedTimestampError.
func NewMalformedTimestampError(value string, err error) *MalformedTimestampError {
	return &MalformedTimestampError{Value: value, Err: err}
}

// MalformedBarError is raised for a bar whose prices or volume are unusable.
type MalformedBarError struct {
	Timestamp time.Time
	Field     string
	Err       error
}

func (e *MalformedBarError) Error() string {
	return fmt.Sprintf("malformed bar at %s (%s): %v", e.Timestamp.Format(time.RFC3339), e.Field, e.Err)
}

func (e *MalformedBarError) Unwrap() error {
	return e.Err
}

// NewMalformedBarError creates a new MalformedBarError.
func NewMalformedBarError(ts time.Time, field string, err error) *MalformedBarError {
	return &MalformedBarError{Timestamp: ts, Field: field, Err: err}
}

// StoreError represents a failed dataset read or write.
type StoreError struct {
	Op  string // "read", "write", "size", "list"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s error [%s]: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreReadError creates a StoreError for a read.
func NewStoreReadError(key string, err error) *StoreError {
	return &StoreError{Op: "read", Key: key, Err: err}
}

// NewStoreWriteError creates a StoreError for a write.
func NewStoreWriteError(key string, err error) *StoreError {
	return &StoreError{Op: "write", Key: key, Err: err}
}

// InsufficientDataError means the provider returned fewer bars than a
// complete fetch should yield. It is a warning unless nothing was returned.
type InsufficientDataError struct {
	Symbol      string
	Granularity string
	Got         int
	Want        int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s/%s: got %d bars, want at least %d",
		e.Symbol, e.Granularity, e.Got, e.Want)
}

// NewInsufficientDataError creates a new InsufficientDataError.
func NewInsufficientDataError(symbol, granularity string, got, want int) *InsufficientDataError {
	return &InsufficientDataError{
		Symbol:      symbol,
		Granularity: granularity,
		Got:         got,
		Want:        want,
	}
}

// ValidationError represents a configuration or input validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsRetryable reports whether a provider call that failed with err may be retried.
// Auth and malformed-request errors are permanent; context cancellation stops retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var auth *ProviderAuthError
	if errors.As(err, &auth) {
		return false
	}
	var req *ProviderRequestError
	if errors.As(err, &req) {
		return false
	}
	var transient *ProviderTransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err should abort a whole run rather than one unit.
// Only configuration problems qualify; provider auth failures end a single symbol.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfigInvalid) || errors.Is(err, ErrMissingAPIKey)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
