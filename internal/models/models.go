// Package models provides domain models for the market data engine.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an exchange ticker, always upper-case.
type Symbol string

// NewSymbol normalizes a raw ticker string.
func NewSymbol(s string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(s)))
}

func (s Symbol) String() string {
	return string(s)
}

// Granularity is the bar interval of a dataset.
type Granularity string

const (
	Daily       Granularity = "daily"
	Intraday30m Granularity = "30min"
	Intraday1m  Granularity = "1min"
)

// AllGranularities returns every granularity in audit order.
func AllGranularities() []Granularity {
	return []Granularity{Daily, Intraday30m, Intraday1m}
}

// ParseGranularity accepts the canonical names plus a few common aliases.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "1d", "day":
		return Daily, nil
	case "30min", "30m":
		return Intraday30m, nil
	case "1min", "1m":
		return Intraday1m, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// IsIntraday reports whether bars carry a time-of-day component.
func (g Granularity) IsIntraday() bool {
	return g == Intraday30m || g == Intraday1m
}

// Step returns the nominal spacing between consecutive bars.
func (g Granularity) Step() time.Duration {
	switch g {
	case Intraday1m:
		return time.Minute
	case Intraday30m:
		return 30 * time.Minute
	default:
		return 24 * time.Hour
	}
}

func (g Granularity) String() string {
	return string(g)
}

// FetchMode selects how much history the provider returns.
type FetchMode string

const (
	Full    FetchMode = "full"
	Compact FetchMode = "compact"
)

// Bar is one OHLCV record at a canonical UTC timestamp.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Validate checks the OHLC envelope and volume sign.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	lo := decimal.Min(b.Open, b.Close)
	hi := decimal.Max(b.Open, b.Close)
	if b.Low.GreaterThan(lo) {
		return fmt.Errorf("low %s above min(open, close) %s", b.Low, lo)
	}
	if b.High.LessThan(hi) {
		return fmt.Errorf("high %s below max(open, close) %s", b.High, hi)
	}
	if b.Volume < 0 {
		return fmt.Errorf("negative volume %d", b.Volume)
	}
	return nil
}

// Equal compares two bars field by field.
func (b Bar) Equal(o Bar) bool {
	return b.Timestamp.Equal(o.Timestamp) &&
		b.Open.Equal(o.Open) &&
		b.High.Equal(o.High) &&
		b.Low.Equal(o.Low) &&
		b.Close.Equal(o.Close) &&
		b.Volume == o.Volume
}

// RawBar is a bar as the provider emitted it, before timestamp standardization.
type RawBar struct {
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    string `csv:"volume"`
}
