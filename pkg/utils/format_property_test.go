package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPropertyCountFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	grouped := regexp.MustCompile(`^-?\d{1,3}(,\d{3})*$`)

	properties.Property("FormatCount groups digits in threes", prop.ForAll(
		func(n int64) bool {
			formatted := FormatCount(n)
			if !grouped.MatchString(formatted) {
				t.Logf("Invalid grouping for %d: %s", n, formatted)
				return false
			}
			return true
		},
		gen.Int64Range(-1e15, 1e15),
	))

	properties.Property("FormatCount preserves value", prop.ForAll(
		func(n int64) bool {
			parsed, err := strconv.ParseInt(strings.ReplaceAll(FormatCount(n), ",", ""), 10, 64)
			return err == nil && parsed == n
		},
		gen.Int64Range(-1e15, 1e15),
	))

	properties.Property("FormatVolume uses correct units", prop.ForAll(
		func(volume int64) bool {
			formatted := FormatVolume(volume)
			switch {
			case volume >= 1e9:
				return strings.HasSuffix(formatted, "B")
			case volume >= 1e6:
				return strings.HasSuffix(formatted, "M")
			case volume >= 1e3:
				return strings.HasSuffix(formatted, "K")
			default:
				return formatted == strconv.FormatInt(volume, 10)
			}
		},
		gen.Int64Range(0, 1e12),
	))

	properties.Property("FormatPercent round-trips to one decimal", prop.ForAll(
		func(value float64) bool {
			formatted := FormatPercent(value)
			parsed, err := strconv.ParseFloat(strings.TrimSuffix(formatted, "%"), 64)
			return err == nil && strings.HasSuffix(formatted, "%") && math.Abs(parsed-value) <= 0.05+1e-9
		},
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}

func TestFormatCountExamples(t *testing.T) {
	testCases := []struct {
		n        int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-98765, "-98,765"},
	}
	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatCount(tc.n); got != tc.expected {
				t.Errorf("FormatCount(%d) = %s, want %s", tc.n, got, tc.expected)
			}
		})
	}
}

func TestFormatBytesExamples(t *testing.T) {
	testCases := []struct {
		n        int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{10240, "10.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatBytes(tc.n); got != tc.expected {
				t.Errorf("FormatBytes(%d) = %s, want %s", tc.n, got, tc.expected)
			}
		})
	}
}

func TestFormatDurationExamples(t *testing.T) {
	testCases := []struct {
		d        time.Duration
		expected string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatDuration(tc.d); got != tc.expected {
				t.Errorf("FormatDuration(%s) = %s, want %s", tc.d, got, tc.expected)
			}
		})
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC)
	if got := FormatAge(time.Time{}, now); got != "never" {
		t.Errorf("FormatAge(zero) = %s", got)
	}
	if got := FormatAge(now.Add(-90*time.Second), now); got != "1m 30s ago" {
		t.Errorf("FormatAge = %s", got)
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("rate limited by provider", 10); got != "rate li..." {
		t.Errorf("TruncateString = %q", got)
	}
	if got := TruncateString("ok", 10); got != "ok" {
		t.Errorf("TruncateString = %q", got)
	}
}
