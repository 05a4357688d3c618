package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkeeper/internal/dataset"
	"barkeeper/internal/marketdata"
	"barkeeper/internal/models"
	"barkeeper/internal/orchestrator"
	"barkeeper/internal/store"
	"barkeeper/internal/timestamps"
	"barkeeper/pkg/utils"
)

// Saturday afternoon; the 7-day one-minute window opens on Saturday 2024-03-09
// and is satisfied from Monday 2024-03-11.
var auditNow = time.Date(2024, 3, 16, 15, 0, 0, 0, time.UTC)

func bar(ts time.Time) models.Bar {
	return models.Bar{
		Timestamp: ts,
		Open:      decimal.NewFromInt(10),
		High:      decimal.NewFromInt(11),
		Low:       decimal.NewFromInt(9),
		Close:     decimal.NewFromInt(10),
		Volume:    100,
	}
}

func series(start time.Time, step time.Duration, n int) []models.Bar {
	out := make([]models.Bar, n)
	for i := range out {
		out[i] = bar(start.Add(time.Duration(i) * step))
	}
	return out
}

func dailySeries(n int) []models.Bar {
	start := time.Date(2024, 3, 15, 20, 0, 0, 0, time.UTC).AddDate(0, 0, -(n - 1))
	return series(start, 24*time.Hour, n)
}

type seed struct {
	daily, thirty int
	oneMinFrom    time.Time
}

func seedStore(t *testing.T, ds store.DatasetStore, symbol models.Symbol, s seed) {
	t.Helper()
	ctx := context.Background()
	if s.daily > 0 {
		require.NoError(t, ds.Write(ctx, symbol, models.Daily, dailySeries(s.daily)))
	}
	if s.thirty > 0 {
		start := time.Date(2024, 3, 15, 20, 0, 0, 0, time.UTC).Add(-time.Duration(s.thirty-1) * 30 * time.Minute)
		require.NoError(t, ds.Write(ctx, symbol, models.Intraday30m, series(start, 30*time.Minute, s.thirty)))
	}
	if !s.oneMinFrom.IsZero() {
		n := int(time.Date(2024, 3, 15, 20, 0, 0, 0, time.UTC).Sub(s.oneMinFrom)/time.Hour) + 1
		require.NoError(t, ds.Write(ctx, symbol, models.Intraday1m, series(s.oneMinFrom, time.Hour, n)))
	}
}

var healthy = seed{daily: 200, thirty: 500, oneMinFrom: time.Date(2024, 3, 11, 14, 0, 0, 0, time.UTC)}

func newAuditor(ds store.DatasetStore) *Auditor {
	a := NewAuditor(ds, DefaultThresholds(), nil, zerolog.Nop())
	a.SetClock(func() time.Time { return auditNow })
	return a
}

func newStore() store.DatasetStore {
	return store.NewDatasetStore(store.NewMemoryBlobStore(), false)
}

func TestAuditHealthySymbol(t *testing.T) {
	ds := newStore()
	seedStore(t, ds, "AAPL", healthy)

	rec := newAuditor(ds).Audit(context.Background(), "AAPL")
	assert.False(t, rec.Deficient)
	require.Len(t, rec.Checks, 3)
	for _, c := range rec.Checks {
		assert.True(t, c.Passed, "%s: %s", c.Granularity, c.Detail)
	}
	oneMin, ok := rec.Check(models.Intraday1m)
	require.True(t, ok)
	assert.Greater(t, oneMin.SpanDays, 5.0)
}

func TestAuditMissingDatasetIsDeficient(t *testing.T) {
	rec := newAuditor(newStore()).Audit(context.Background(), "NONE")
	assert.True(t, rec.Deficient)
	assert.Equal(t, models.Daily, rec.FailedOn)
	require.Len(t, rec.Checks, 1)
	assert.Equal(t, "dataset missing", rec.Checks[0].Detail)

	_, checked := rec.Check(models.Intraday30m)
	assert.False(t, checked, "checks stop at the first failure")
}

func TestAuditThirtyMinuteShortfall(t *testing.T) {
	ds := newStore()
	seedStore(t, ds, "AAPL", seed{daily: 250, thirty: 499, oneMinFrom: healthy.oneMinFrom})

	rec := newAuditor(ds).Audit(context.Background(), "AAPL")
	assert.True(t, rec.Deficient)
	assert.Equal(t, models.Intraday30m, rec.FailedOn)
	require.Len(t, rec.Checks, 2)
	assert.Equal(t, 499, rec.Checks[1].Rows)
	assert.Contains(t, rec.Checks[1].Detail, "need 500")
}

func TestAuditOneMinuteCoverageOnWeekend(t *testing.T) {
	tests := []struct {
		name   string
		oldest time.Time
		passed bool
	}{
		{"covers from monday", time.Date(2024, 3, 11, 13, 30, 0, 0, time.UTC), true},
		{"covers from previous friday", time.Date(2024, 3, 8, 14, 0, 0, 0, time.UTC), true},
		{"starts tuesday", time.Date(2024, 3, 12, 13, 30, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := newStore()
			seedStore(t, ds, "AAPL", seed{daily: 200, thirty: 500, oneMinFrom: tt.oldest})

			rec := newAuditor(ds).Audit(context.Background(), "AAPL")
			c, ok := rec.Check(models.Intraday1m)
			require.True(t, ok)
			assert.Equal(t, tt.passed, c.Passed, c.Detail)
			assert.Equal(t, !tt.passed, rec.Deficient)
		})
	}
}

func TestAuditAllComplianceRate(t *testing.T) {
	ds := newStore()
	seedStore(t, ds, "AAPL", healthy)
	seedStore(t, ds, "MSFT", seed{daily: 50})

	report := newAuditor(ds).AuditAll(context.Background(), []models.Symbol{"AAPL", "MSFT"})
	assert.Equal(t, 2, report.Total())
	assert.Equal(t, []models.Symbol{"MSFT"}, report.Deficient)
	assert.InDelta(t, 50.0, report.ComplianceRate(), 0.001)
	assert.Equal(t, auditNow, report.CheckedAt)
}

func TestAuditAllStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := newAuditor(newStore()).AuditAll(ctx, []models.Symbol{"AAPL"})
	assert.Equal(t, 0, report.Total())
	assert.Equal(t, 100.0, report.ComplianceRate())
}

type fakeRepairer struct {
	got [][]models.RepairItem
}

func (f *fakeRepairer) Repair(ctx context.Context, items []models.RepairItem) (*models.RunSummary, error) {
	f.got = append(f.got, items)
	return &models.RunSummary{Total: len(items), Complete: len(items)}, nil
}

func TestRepairSkipsCleanReport(t *testing.T) {
	r := &fakeRepairer{}
	summary, err := newAuditor(newStore()).Repair(context.Background(), &Report{}, r)
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Empty(t, r.got)
}

func TestRepairPassesWorklist(t *testing.T) {
	ds := newStore()
	seedStore(t, ds, "AAPL", seed{daily: 250, thirty: 499, oneMinFrom: healthy.oneMinFrom})
	seedStore(t, ds, "MSFT", healthy)
	seedStore(t, ds, "TSLA", seed{daily: 250, thirty: 500, oneMinFrom: time.Date(2024, 3, 13, 13, 30, 0, 0, time.UTC)})

	auditor := newAuditor(ds)
	report := auditor.AuditAll(context.Background(), []models.Symbol{"AAPL", "MSFT", "TSLA"})
	require.Equal(t, []models.Symbol{"AAPL", "TSLA"}, report.Deficient)

	r := &fakeRepairer{}
	summary, err := auditor.Repair(context.Background(), report, r)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	require.Len(t, r.got, 1)
	assert.Equal(t, []models.RepairItem{
		{Symbol: "AAPL", Granularities: []models.Granularity{models.Intraday30m, models.Intraday1m}},
		{Symbol: "TSLA", Granularities: []models.Granularity{models.Intraday1m}},
	}, r.got[0])
}

func TestMergeWorklists(t *testing.T) {
	merged := MergeWorklists(
		[]models.RepairItem{{Symbol: "MSFT", Granularities: []models.Granularity{models.Intraday1m}}},
		[]models.RepairItem{
			{Symbol: "AAPL", Granularities: []models.Granularity{models.Daily}},
			{Symbol: "MSFT", Granularities: []models.Granularity{models.Daily, models.Intraday1m}},
		},
	)
	assert.Equal(t, []models.RepairItem{
		{Symbol: "MSFT", Granularities: []models.Granularity{models.Daily, models.Intraday1m}},
		{Symbol: "AAPL", Granularities: []models.Granularity{models.Daily}},
	}, merged)
	assert.Empty(t, MergeWorklists(nil, nil))
}

// minuteSessions returns one bar per regular-hours minute for every trading
// day from first through last, exchange dates inclusive.
func minuteSessions(session *timestamps.Session, first, last time.Time) []models.Bar {
	var out []models.Bar
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		noon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, session.Location)
		if !session.IsTradingDay(noon) {
			continue
		}
		for ts := session.OpenOn(noon); ts.Before(session.CloseOn(noon)); ts = ts.Add(time.Minute) {
			out = append(out, bar(ts.UTC()))
		}
	}
	return out
}

// A one-minute dataset maintained by the engine stays healthy when the
// retention window opens on a holiday or after that day's close.
func TestAuditOneMinuteCoverageFollowsRetentionCutoff(t *testing.T) {
	session := timestamps.NewYorkSession()
	tests := []struct {
		name string
		now  time.Time
	}{
		{"window opens on memorial day", time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)},
		{"window opens after the close", time.Date(2024, 3, 14, 21, 30, 0, 0, time.UTC)},
		{"window opens on good friday", time.Date(2024, 4, 5, 18, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := dataset.DefaultPolicies().For(models.Intraday1m)
			bars := minuteSessions(session, tt.now.AddDate(0, 0, -14), tt.now)
			bars = dataset.Trim(bars, policy, tt.now)
			require.NotEmpty(t, bars)

			ds := newStore()
			seedStore(t, ds, "AAPL", seed{daily: 200, thirty: 500})
			require.NoError(t, ds.Write(context.Background(), "AAPL", models.Intraday1m, bars))

			a := NewAuditor(ds, DefaultThresholds(), session, zerolog.Nop())
			a.SetClock(func() time.Time { return tt.now })
			rec := a.Audit(context.Background(), "AAPL")
			c, ok := rec.Check(models.Intraday1m)
			require.True(t, ok)
			assert.True(t, c.Passed, c.Detail)
			assert.False(t, rec.Deficient)

			// Losing the first retained session is still caught.
			firstDay := session.LocalDate(bars[0].Timestamp)
			i := 0
			for i < len(bars) && session.LocalDate(bars[i].Timestamp).Equal(firstDay) {
				i++
			}
			require.NoError(t, ds.Write(context.Background(), "AAPL", models.Intraday1m, bars[i:]))
			rec = a.Audit(context.Background(), "AAPL")
			assert.True(t, rec.Deficient)
			assert.Equal(t, models.Intraday1m, rec.FailedOn)
		})
	}
}

// A 120-row daily dataset is flagged, and the targeted repair run touches
// only that symbol.
func TestScenario_DeficientDailyRepairedByTargetedRun(t *testing.T) {
	ds := newStore()
	seedStore(t, ds, "AAPL", seed{daily: 120, thirty: 500, oneMinFrom: healthy.oneMinFrom})
	seedStore(t, ds, "MSFT", healthy)

	auditor := newAuditor(ds)
	report := auditor.AuditAll(context.Background(), []models.Symbol{"AAPL", "MSFT"})
	require.Equal(t, []models.Symbol{"AAPL"}, report.Deficient)
	assert.Equal(t, models.Daily, report.Records[0].FailedOn)
	assert.Equal(t, 120, report.Records[0].Checks[0].Rows)

	provider := marketdata.NewStaticProvider(100)
	for _, sym := range []models.Symbol{"AAPL", "MSFT"} {
		provider.Set(sym, models.Daily, rawDaily(250))
	}
	client := marketdata.NewClient(provider, nil, marketdata.ClientConfig{
		Retry: utils.RetryConfig{MaxAttempts: 1},
	}, zerolog.Nop())
	orch := orchestrator.New(orchestrator.Deps{Fetcher: client, Store: ds}, orchestrator.Config{
		Granularities: []models.Granularity{models.Daily},
	}, zerolog.Nop())
	orch.SetClock(func() time.Time { return auditNow })

	summary, err := auditor.Repair(context.Background(), report, orch)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, models.Targeted, summary.Mode)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Complete)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.Symbol("AAPL"), calls[0].Symbol)
	assert.Equal(t, models.Full, calls[0].Mode)

	rec := auditor.Audit(context.Background(), "AAPL")
	daily, ok := rec.Check(models.Daily)
	require.True(t, ok)
	assert.True(t, daily.Passed)
	assert.Equal(t, 200, daily.Rows)
	assert.False(t, rec.Deficient)
}

func rawDaily(n int) []models.RawBar {
	out := make([]models.RawBar, n)
	start := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(n - 1))
	for i := range out {
		out[i] = models.RawBar{
			Timestamp: start.AddDate(0, 0, i).Format("2006-01-02"),
			Open:      "10", High: "11", Low: "9", Close: "10", Volume: "100",
		}
	}
	return out
}
