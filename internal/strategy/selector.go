// Package strategy decides between a full rebuild and a compact top-up for
// one dataset, using only its stored metadata.
package strategy

import (
	"fmt"

	"barkeeper/internal/models"
)

// DefaultMinBytes is the size at or below which a stored dataset is treated as truncated.
const DefaultMinBytes = 10 * 1024

// DatasetMeta is what the store can tell us without reading a dataset.
type DatasetMeta struct {
	Exists bool
	Size   int64
}

// Reason explains a decision.
type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonTruncated Reason = "below_size_threshold"
	ReasonForced    Reason = "forced"
	ReasonHealthy   Reason = "healthy"
)

// Decision is the selected mode and why.
type Decision struct {
	Mode   models.FetchMode
	Reason Reason
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (%s)", d.Mode, d.Reason)
}

// Selector picks a fetch mode.
type Selector struct {
	MinBytes int64
}

// NewSelector creates a selector with the given truncation threshold in bytes.
// A non-positive threshold falls back to DefaultMinBytes.
func NewSelector(minBytes int64) *Selector {
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}
	return &Selector{MinBytes: minBytes}
}

// Decide returns Full when the dataset is missing, at or below the size
// threshold, or force is set; otherwise Compact.
func (s *Selector) Decide(meta DatasetMeta, force bool) Decision {
	switch {
	case force:
		return Decision{Mode: models.Full, Reason: ReasonForced}
	case !meta.Exists:
		return Decision{Mode: models.Full, Reason: ReasonMissing}
	case meta.Size <= s.MinBytes:
		return Decision{Mode: models.Full, Reason: ReasonTruncated}
	default:
		return Decision{Mode: models.Compact, Reason: ReasonHealthy}
	}
}
