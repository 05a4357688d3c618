package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"barkeeper/internal/models"
)

func TestDecide(t *testing.T) {
	s := NewSelector(0)
	assert.EqualValues(t, DefaultMinBytes, s.MinBytes)

	tests := []struct {
		name   string
		meta   DatasetMeta
		force  bool
		mode   models.FetchMode
		reason Reason
	}{
		{"missing", DatasetMeta{}, false, models.Full, ReasonMissing},
		{"empty file", DatasetMeta{Exists: true, Size: 0}, false, models.Full, ReasonTruncated},
		{"at threshold", DatasetMeta{Exists: true, Size: DefaultMinBytes}, false, models.Full, ReasonTruncated},
		{"just above", DatasetMeta{Exists: true, Size: DefaultMinBytes + 1}, false, models.Compact, ReasonHealthy},
		{"healthy", DatasetMeta{Exists: true, Size: 80 * 1024}, false, models.Compact, ReasonHealthy},
		{"forced healthy", DatasetMeta{Exists: true, Size: 80 * 1024}, true, models.Full, ReasonForced},
		{"forced missing", DatasetMeta{}, true, models.Full, ReasonForced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.Decide(tt.meta, tt.force)
			assert.Equal(t, tt.mode, d.Mode)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecisionString(t *testing.T) {
	d := NewSelector(1).Decide(DatasetMeta{Exists: true, Size: 2}, false)
	assert.Equal(t, "compact (healthy)", d.String())
}
