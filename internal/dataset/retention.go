package dataset

import (
	"fmt"
	"sort"
	"time"

	"barkeeper/internal/models"
	"barkeeper/internal/timestamps"
)

// RetentionPolicy bounds a dataset either by row count or by an age window.
// Exactly one of MaxRows and WindowDays is set.
type RetentionPolicy struct {
	Granularity models.Granularity
	MaxRows     int
	WindowDays  int
}

func (p RetentionPolicy) String() string {
	if p.WindowDays > 0 {
		return fmt.Sprintf("%s: last %d days", p.Granularity, p.WindowDays)
	}
	return fmt.Sprintf("%s: last %d rows", p.Granularity, p.MaxRows)
}

// Policies maps each granularity to its retention policy.
type Policies map[models.Granularity]RetentionPolicy

// DefaultPolicies returns 200 daily rows, 500 thirty-minute rows and a 7-day one-minute window.
func DefaultPolicies() Policies {
	return NewPolicies(200, 500, 7)
}

// NewPolicies builds the policy set from configured limits.
func NewPolicies(dailyRows, thirtyMinRows, oneMinDays int) Policies {
	return Policies{
		models.Daily:       {Granularity: models.Daily, MaxRows: dailyRows},
		models.Intraday30m: {Granularity: models.Intraday30m, MaxRows: thirtyMinRows},
		models.Intraday1m:  {Granularity: models.Intraday1m, WindowDays: oneMinDays},
	}
}

// For returns the policy for g. Unknown granularities keep everything.
func (p Policies) For(g models.Granularity) RetentionPolicy {
	if policy, ok := p[g]; ok {
		return policy
	}
	return RetentionPolicy{Granularity: g}
}

// Trim applies policy to bars as of now and returns a new, ascending slice.
//
// Row policies keep the newest MaxRows bars. Window policies drop bars
// strictly older than now minus WindowDays, except that bars on the current
// canonical calendar day are always kept.
func Trim(bars []models.Bar, policy RetentionPolicy, now time.Time) []models.Bar {
	sorted := bars
	if !IsSorted(bars) {
		sorted = make([]models.Bar, len(bars))
		copy(sorted, bars)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
	}

	switch {
	case policy.WindowDays > 0:
		return trimWindow(sorted, policy.WindowDays, now)
	case policy.MaxRows > 0:
		return trimRows(sorted, policy.MaxRows)
	default:
		return clone(sorted)
	}
}

func trimRows(sorted []models.Bar, maxRows int) []models.Bar {
	if len(sorted) <= maxRows {
		return clone(sorted)
	}
	return clone(sorted[len(sorted)-maxRows:])
}

func trimWindow(sorted []models.Bar, days int, now time.Time) []models.Bar {
	cutoff := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	today := timestamps.DayStart(now)

	// The earliest bar we must keep is whichever comes first: the cutoff or the
	// start of today. Because sorted is ascending, everything after it stays.
	keepFrom := cutoff
	if today.Before(keepFrom) {
		keepFrom = today
	}
	i := sort.Search(len(sorted), func(i int) bool {
		return !sorted[i].Timestamp.Before(keepFrom)
	})
	return clone(sorted[i:])
}

func clone(bars []models.Bar) []models.Bar {
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	return out
}
