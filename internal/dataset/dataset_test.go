package dataset

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkeeper/internal/models"
	"barkeeper/internal/timestamps"
)

func dailyBar(day time.Time, close float64) models.Bar {
	c := decimal.NewFromFloat(close)
	return models.Bar{
		Timestamp: time.Date(day.Year(), day.Month(), day.Day(), 21, 0, 0, 0, time.UTC),
		Open:      c,
		High:      c.Add(decimal.NewFromInt(1)),
		Low:       c.Sub(decimal.NewFromInt(1)),
		Close:     c,
		Volume:    1000,
	}
}

func TestMergeIncomingWins(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	existing := []models.Bar{dailyBar(d, 10), dailyBar(d.AddDate(0, 0, 1), 11)}
	incoming := []models.Bar{dailyBar(d.AddDate(0, 0, 1), 99), dailyBar(d.AddDate(0, 0, 2), 12)}

	merged, stats := MergeWithStats(existing, incoming)
	require.Len(t, merged, 3)
	assert.Equal(t, "99", merged[1].Close.String())
	assert.Equal(t, MergeStats{Added: 1, Replaced: 1}, stats)
}

func TestMergeLastIncomingDuplicateWins(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	merged := Merge(nil, []models.Bar{dailyBar(d, 1), dailyBar(d, 2), dailyBar(d, 3)})
	require.Len(t, merged, 1)
	assert.Equal(t, "3", merged[0].Close.String())
}

func TestMergeEmptyInputs(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Len(t, Merge([]models.Bar{dailyBar(d, 1)}, nil), 1)
}

// Existing daily dataset of 150 rows; a compact fetch of 10 rows where 3
// restate existing dates with new closes.
func TestScenario_CompactMergeIntoDaily(t *testing.T) {
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	var existing []models.Bar
	for i := 0; i < 150; i++ {
		existing = append(existing, dailyBar(start.AddDate(0, 0, i), 100))
	}

	var incoming []models.Bar
	for i := 147; i < 157; i++ {
		incoming = append(incoming, dailyBar(start.AddDate(0, 0, i), 200))
	}

	merged := Merge(existing, incoming)
	require.Len(t, merged, 157)
	for i := 147; i < 150; i++ {
		assert.Equal(t, "200", merged[i].Close.String(), "restated row %d", i)
	}
	assert.Equal(t, "100", merged[146].Close.String())

	trimmed := Trim(merged, DefaultPolicies().For(models.Daily), start.AddDate(0, 0, 160))
	assert.Len(t, trimmed, 157)
	assert.LessOrEqual(t, len(trimmed), 200)
}

func TestTrimRowsKeepsNewest(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []models.Bar
	for i := 0; i < 250; i++ {
		bars = append(bars, dailyBar(start.AddDate(0, 0, i), float64(i)))
	}

	trimmed := Trim(bars, DefaultPolicies().For(models.Daily), time.Now())
	require.Len(t, trimmed, 200)
	assert.Equal(t, bars[50].Timestamp, trimmed[0].Timestamp)
	assert.Equal(t, bars[249].Timestamp, trimmed[199].Timestamp)

	// Input is untouched.
	assert.Len(t, bars, 250)
}

func TestTrimSortsUnorderedInput(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []models.Bar{dailyBar(start.AddDate(0, 0, 2), 3), dailyBar(start, 1), dailyBar(start.AddDate(0, 0, 1), 2)}

	trimmed := Trim(bars, RetentionPolicy{Granularity: models.Daily, MaxRows: 2}, time.Now())
	require.Len(t, trimmed, 2)
	assert.Equal(t, "2", trimmed[0].Close.String())
	assert.Equal(t, "3", trimmed[1].Close.String())
	assert.Equal(t, "3", bars[0].Close.String(), "input order preserved")
}

// A 1-minute dataset spanning 14 calendar days is trimmed on a Saturday
// that carries 3 bars of its own.
func TestScenario_SaturdayTrimKeepsToday(t *testing.T) {
	session := timestamps.NewYorkSession()
	saturday := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	require.False(t, session.IsTradingDay(saturday.Add(15*time.Hour)))

	var bars []models.Bar
	for d := 14; d >= 1; d-- {
		day := saturday.AddDate(0, 0, -d)
		if !session.IsTradingDay(day.Add(15 * time.Hour)) {
			continue
		}
		// 14:30 to 20:59 UTC, one bar per minute.
		open := day.Add(14*time.Hour + 30*time.Minute)
		for m := 0; m < 390; m++ {
			bars = append(bars, minuteBar(open.Add(time.Duration(m)*time.Minute)))
		}
	}
	todayBars := []models.Bar{
		minuteBar(saturday.Add(10 * time.Hour)),
		minuteBar(saturday.Add(10*time.Hour + time.Minute)),
		minuteBar(saturday.Add(10*time.Hour + 2*time.Minute)),
	}
	bars = Merge(bars, todayBars)

	now := saturday.Add(18 * time.Hour)
	trimmed := Trim(bars, DefaultPolicies().For(models.Intraday1m), now)

	cutoff := now.Add(-7 * 24 * time.Hour)
	var today, tradingDays int
	days := map[time.Time]bool{}
	for _, b := range trimmed {
		if timestamps.SameDay(b.Timestamp, now) {
			today++
			continue
		}
		assert.False(t, b.Timestamp.Before(cutoff), "bar %s older than cutoff", b.Timestamp)
		days[timestamps.DayStart(b.Timestamp)] = true
	}
	tradingDays = len(days)

	assert.Equal(t, 3, today)
	assert.Equal(t, 5, tradingDays, "Mon-Fri of the trailing week")
	assert.True(t, IsSorted(trimmed))

	// Every bar at or after the cutoff from the original set survived.
	var eligible int
	for _, b := range bars {
		if !b.Timestamp.Before(cutoff) {
			eligible++
		}
	}
	assert.Equal(t, eligible, len(trimmed))
}

func TestPolicies(t *testing.T) {
	p := NewPolicies(250, 600, 10)
	assert.Equal(t, 250, p.For(models.Daily).MaxRows)
	assert.Equal(t, 10, p.For(models.Intraday1m).WindowDays)
	assert.Equal(t, "1min: last 10 days", p.For(models.Intraday1m).String())
	assert.Equal(t, RetentionPolicy{Granularity: "5min"}, p.For("5min"))
}

func TestSpan(t *testing.T) {
	_, _, ok := Span(nil)
	assert.False(t, ok)

	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	first, last, ok := Span([]models.Bar{dailyBar(d, 1), dailyBar(d.AddDate(0, 0, 3), 1)})
	require.True(t, ok)
	assert.Equal(t, 3*24*time.Hour, last.Sub(first))
}
