// Package timestamps owns every timezone decision in the engine. Provider
// timestamps enter here in whatever form the provider emits and leave as UTC
// instants; nothing downstream converts zones.
package timestamps

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
)

// StorageLayout is how timestamps are written to datasets.
const StorageLayout = "2006-01-02 15:04:05+00:00"

// DefaultExchange is the zone naive provider timestamps are assumed to be in.
const DefaultExchange = "America/New_York"

// Layouts that carry an explicit offset.
var awareLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
	"2006-01-02T15:04:05-0700",
}

// Layouts without an offset; read in the exchange zone.
var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Standardizer converts provider bars into canonical bars.
type Standardizer struct {
	exchange *Session
}

// New creates a Standardizer for the given exchange session.
func New(session *Session) *Standardizer {
	if session == nil {
		session = NewYorkSession()
	}
	return &Standardizer{exchange: session}
}

// Load creates a Standardizer for a named IANA zone with US equity session
// hours and holidays.
func Load(zone string) (*Standardizer, error) {
	if zone == "" {
		zone = DefaultExchange
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone %q: %w", zone, err)
	}
	return New(NewUSEquitySession(loc)), nil
}

// Session returns the exchange session this standardizer reads naive times in.
func (s *Standardizer) Session() *Session {
	return s.exchange
}

// ParseTimestamp converts one provider timestamp to a UTC instant.
// Daily bars are anchored at the exchange close of their trading date.
func (s *Standardizer) ParseTimestamp(value string, g models.Granularity) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, apperrors.NewMalformedTimestampError(value, nil)
	}

	t, err := s.parse(v)
	if err != nil {
		return time.Time{}, apperrors.NewMalformedTimestampError(value, err)
	}

	if g == models.Daily {
		// The trading date is the one written in the value, in its own offset.
		y, m, d := t.Date()
		t = s.exchange.CloseOn(time.Date(y, m, d, 12, 0, 0, 0, s.exchange.Location))
	}
	return t.UTC().Truncate(time.Second), nil
}

func (s *Standardizer) parse(v string) (time.Time, error) {
	for _, layout := range awareLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	var lastErr error
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, v, s.exchange.Location)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Standardize maps provider bars to canonical bars. A bar that cannot be
// converted is dropped and reported; the rest of the batch is unaffected.
func (s *Standardizer) Standardize(raw []models.RawBar, g models.Granularity) ([]models.Bar, []error) {
	bars := make([]models.Bar, 0, len(raw))
	var dropped []error

	for _, r := range raw {
		b, err := s.Bar(r, g)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		bars = append(bars, b)
	}
	return bars, dropped
}

// Bar converts a single provider bar.
func (s *Standardizer) Bar(r models.RawBar, g models.Granularity) (models.Bar, error) {
	ts, err := s.ParseTimestamp(r.Timestamp, g)
	if err != nil {
		return models.Bar{}, err
	}

	b := models.Bar{Timestamp: ts}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", r.Open, &b.Open},
		{"high", r.High, &b.High},
		{"low", r.Low, &b.Low},
		{"close", r.Close, &b.Close},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return models.Bar{}, apperrors.NewMalformedBarError(ts, f.name, err)
		}
		*f.dst = d
	}

	vol, err := parseVolume(r.Volume)
	if err != nil {
		return models.Bar{}, apperrors.NewMalformedBarError(ts, "volume", err)
	}
	b.Volume = vol

	if err := b.Validate(); err != nil {
		return models.Bar{}, apperrors.NewMalformedBarError(ts, "ohlc", err)
	}
	return b, nil
}

func parseVolume(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("fractional volume %s", v)
	}
	return d.IntPart(), nil
}

// FormatStorage renders a canonical timestamp for a dataset file.
func FormatStorage(t time.Time) string {
	return t.UTC().Format(StorageLayout)
}

// ParseStorage reads a timestamp written by FormatStorage. Older files that
// stored naive UTC strings are accepted too.
func ParseStorage(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse("2006-01-02 15:04:05Z07:00", v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", v, time.UTC)
	if err != nil {
		return time.Time{}, apperrors.NewMalformedTimestampError(v, err)
	}
	return t, nil
}
