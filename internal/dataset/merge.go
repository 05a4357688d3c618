// Package dataset holds the pure transformations applied to a symbol's bar
// history: merging a fetched batch into it and trimming it to its retention policy.
package dataset

import (
	"sort"
	"time"

	"barkeeper/internal/models"
)

// MergeStats describes what a merge changed.
type MergeStats struct {
	Added    int
	Replaced int
}

// Merge combines existing history with an incoming batch. Bars are keyed by
// timestamp; on a collision the incoming bar wins, and within the incoming
// batch the last occurrence wins. The result is sorted ascending with unique
// timestamps. Neither input is modified.
func Merge(existing, incoming []models.Bar) []models.Bar {
	merged, _ := MergeWithStats(existing, incoming)
	return merged
}

// MergeWithStats is Merge plus counts of added and replaced bars.
func MergeWithStats(existing, incoming []models.Bar) ([]models.Bar, MergeStats) {
	var stats MergeStats
	byTime := make(map[int64]models.Bar, len(existing)+len(incoming))

	for _, b := range existing {
		byTime[key(b.Timestamp)] = b
	}
	counted := make(map[int64]bool, len(incoming))
	for _, b := range incoming {
		k := key(b.Timestamp)
		if !counted[k] {
			counted[k] = true
			if _, ok := byTime[k]; ok {
				stats.Replaced++
			} else {
				stats.Added++
			}
		}
		byTime[k] = b
	}

	out := make([]models.Bar, 0, len(byTime))
	for _, b := range byTime {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, stats
}

func key(t time.Time) int64 {
	return t.UnixNano()
}

// IsSorted reports whether bars are strictly increasing by timestamp.
func IsSorted(bars []models.Bar) bool {
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Timestamp.Before(bars[i].Timestamp) {
			return false
		}
	}
	return true
}

// Span returns the first and last timestamps of a sorted dataset.
func Span(bars []models.Bar) (first, last time.Time, ok bool) {
	if len(bars) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, true
}
