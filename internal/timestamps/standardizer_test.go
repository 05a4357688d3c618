package timestamps

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/models"
)

func mustLoad(t *testing.T) *Standardizer {
	t.Helper()
	s, err := Load("America/New_York")
	require.NoError(t, err)
	return s
}

func raw(ts string) models.RawBar {
	return models.RawBar{Timestamp: ts, Open: "10", High: "11", Low: "9.5", Close: "10.5", Volume: "1200"}
}

func TestParseNaiveIntradayUsesExchangeZone(t *testing.T) {
	s := mustLoad(t)

	// Winter: EST is UTC-5.
	got, err := s.ParseTimestamp("2024-01-05 09:30:00", models.Intraday1m)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC), got)

	// Summer: EDT is UTC-4.
	got, err = s.ParseTimestamp("2024-07-05 09:30:00", models.Intraday30m)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 5, 13, 30, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseAwareTimestampsConvertDirectly(t *testing.T) {
	s := mustLoad(t)
	want := time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC)

	for _, in := range []string{
		"2024-01-05T14:30:00Z",
		"2024-01-05T09:30:00-05:00",
		"2024-01-05 14:30:00+00:00",
		"2024-01-05 15:30:00+01:00",
	} {
		got, err := s.ParseTimestamp(in, models.Intraday1m)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseDailyAnchorsAtClose(t *testing.T) {
	s := mustLoad(t)

	got, err := s.ParseTimestamp("2024-01-05", models.Daily)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 21, 0, 0, 0, time.UTC), got)

	got, err = s.ParseTimestamp("2024-07-05", models.Daily)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 5, 20, 0, 0, 0, time.UTC), got)

	// An aware value keeps the date written in its own offset.
	got2, err := s.ParseTimestamp("2024-01-05T00:00:00Z", models.Daily)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 21, 0, 0, 0, time.UTC), got2)
	got2, err = s.ParseTimestamp("2024-01-05T23:30:00-05:00", models.Daily)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 21, 0, 0, 0, time.UTC), got2)

	// A stored daily bar read back lands on the same instant.
	again, err := s.ParseTimestamp(FormatStorage(got), models.Daily)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestParseMalformed(t *testing.T) {
	s := mustLoad(t)
	for _, in := range []string{"", "yesterday", "2024-13-01", "05/01/2024 09:30"} {
		_, err := s.ParseTimestamp(in, models.Intraday1m)
		var mt *apperrors.MalformedTimestampError
		assert.True(t, apperrors.As(err, &mt), "input %q", in)
	}
}

func TestStandardizeDropsOnlyBadBars(t *testing.T) {
	s := mustLoad(t)

	bad := raw("not-a-time")
	inverted := raw("2024-01-05 10:00:00")
	inverted.Low = "12" // above open
	fractional := raw("2024-01-05 10:01:00")
	fractional.Volume = "10.5"

	in := []models.RawBar{
		raw("2024-01-05 09:30:00"),
		bad,
		inverted,
		fractional,
		raw("2024-01-05 09:31:00"),
	}

	bars, dropped := s.Standardize(in, models.Intraday1m)
	require.Len(t, bars, 2)
	require.Len(t, dropped, 3)

	var mt *apperrors.MalformedTimestampError
	assert.True(t, apperrors.As(dropped[0], &mt))
	var mb *apperrors.MalformedBarError
	assert.True(t, apperrors.As(dropped[1], &mb))
	assert.Equal(t, "ohlc", mb.Field)
	assert.True(t, apperrors.As(dropped[2], &mb))
	assert.Equal(t, "volume", mb.Field)

	assert.Equal(t, int64(1200), bars[0].Volume)
	assert.Equal(t, "10.5", bars[0].Close.String())
}

func TestStorageRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-10 07:00:00+00:00", FormatStorage(ts))

	got, err := ParseStorage("2024-03-10 07:00:00+00:00")
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	got, err = ParseStorage("2024-03-10 07:00:00")
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	_, err = ParseStorage("garbage")
	assert.Error(t, err)
}

func TestSession(t *testing.T) {
	session := NewYorkSession()
	saturday := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	monday := time.Date(2024, 3, 11, 15, 0, 0, 0, time.UTC)

	assert.False(t, session.IsTradingDay(saturday))
	assert.True(t, session.IsTradingDay(monday))
	assert.True(t, session.IsOpen(monday)) // 11:00 EDT
	assert.False(t, session.IsOpen(monday.Add(8*time.Hour)))

	assert.True(t, SameDay(monday, time.Date(2024, 3, 11, 23, 59, 0, 0, time.UTC)))
	assert.False(t, SameDay(monday, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)))
}

// Property: standardizing the same raw bar twice yields the same canonical timestamp,
// and the result is always UTC.
func TestProperty_StandardizationDeterminism(t *testing.T) {
	s := mustLoad(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	minuteGen := gen.Int64Range(0, 5*365*24*60)
	layoutGen := gen.OneConstOf("2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00", "2006-01-02")
	granGen := gen.OneConstOf(models.Daily, models.Intraday30m, models.Intraday1m)

	properties.Property("same raw timestamp maps to the same UTC instant", prop.ForAll(
		func(minutes int64, layout string, g models.Granularity) bool {
			local := base.Add(time.Duration(minutes) * time.Minute).In(s.Session().Location)
			value := local.Format(layout)

			a, errA := s.ParseTimestamp(value, g)
			b, errB := s.ParseTimestamp(value, g)
			if errA != nil || errB != nil {
				t.Logf("parse %q: %v %v", value, errA, errB)
				return false
			}
			return a.Equal(b) && a.Location() == time.UTC && a.Equal(a.Truncate(time.Second))
		},
		minuteGen, layoutGen, granGen,
	))

	properties.Property("naive and aware forms of one instant agree for intraday bars", prop.ForAll(
		func(minutes int64) bool {
			local := base.Add(time.Duration(minutes) * time.Minute).In(s.Session().Location)
			naive, err1 := s.ParseTimestamp(local.Format("2006-01-02 15:04:05"), models.Intraday1m)
			aware, err2 := s.ParseTimestamp(local.Format(time.RFC3339), models.Intraday1m)
			if err1 != nil || err2 != nil {
				return false
			}
			// Around a DST switch the naive form is ambiguous or nonexistent.
			if isNearTransition(local) {
				return true
			}
			return naive.Equal(aware)
		},
		minuteGen,
	))

	properties.TestingRun(t)
}

func isNearTransition(local time.Time) bool {
	_, off1 := local.Add(-time.Hour).Zone()
	_, off2 := local.Add(time.Hour).Zone()
	return off1 != off2
}

func ExampleFormatStorage() {
	fmt.Println(FormatStorage(time.Date(2024, 1, 5, 21, 0, 0, 0, time.UTC)))
	// Output: 2024-01-05 21:00:00+00:00
}
