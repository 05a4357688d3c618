// Package audit checks stored datasets against minimum coverage and builds
// the repair worklist for deficient symbols.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"barkeeper/internal/models"
	"barkeeper/internal/store"
	"barkeeper/internal/timestamps"
)

// Thresholds are the minimum-coverage contracts.
type Thresholds struct {
	DailyMinRows       int
	Intraday30mMinRows int
	Intraday1mMinDays  int
}

// DefaultThresholds mirrors the default retention policy.
func DefaultThresholds() Thresholds {
	return Thresholds{DailyMinRows: 200, Intraday30mMinRows: 500, Intraday1mMinDays: 7}
}

// Report is the result of auditing a watchlist.
type Report struct {
	Records   []models.HealthRecord `json:"records"`
	Deficient []models.Symbol       `json:"deficient"`
	Worklist  []models.RepairItem   `json:"worklist,omitempty"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Total returns the number of audited symbols.
func (r *Report) Total() int {
	return len(r.Records)
}

// ComplianceRate is the share of audited symbols that passed every check, in percent.
func (r *Report) ComplianceRate() float64 {
	if len(r.Records) == 0 {
		return 100
	}
	return float64(len(r.Records)-len(r.Deficient)) / float64(len(r.Records)) * 100
}

// Repairer force-rebuilds the listed datasets. The orchestrator implements it.
type Repairer interface {
	Repair(ctx context.Context, items []models.RepairItem) (*models.RunSummary, error)
}

// Auditor inspects datasets through the store only.
type Auditor struct {
	store      store.DatasetStore
	thresholds Thresholds
	session    *timestamps.Session
	now        func() time.Time
	logger     zerolog.Logger
}

// NewAuditor creates an auditor. A nil session means New York hours.
func NewAuditor(ds store.DatasetStore, th Thresholds, session *timestamps.Session, logger zerolog.Logger) *Auditor {
	if session == nil {
		session = timestamps.NewYorkSession()
	}
	return &Auditor{
		store:      ds,
		thresholds: th,
		session:    session,
		now:        time.Now,
		logger:     logger.With().Str("component", "audit").Logger(),
	}
}

// SetClock overrides the auditor's notion of now.
func (a *Auditor) SetClock(now func() time.Time) {
	a.now = now
}

// Audit checks Daily, then Intraday30m, then Intraday1m, stopping at the
// first failure. A missing or unreadable dataset fails its check.
func (a *Auditor) Audit(ctx context.Context, symbol models.Symbol) models.HealthRecord {
	rec := models.HealthRecord{Symbol: symbol}
	now := a.now()

	for _, g := range models.AllGranularities() {
		res := a.check(ctx, symbol, g, now)
		rec.Checks = append(rec.Checks, res)
		if !res.Passed {
			rec.Deficient = true
			rec.FailedOn = g
			a.logger.Debug().
				Str("symbol", symbol.String()).
				Str("granularity", g.String()).
				Str("detail", res.Detail).
				Msg("Health check failed")
			break
		}
	}
	return rec
}

func (a *Auditor) check(ctx context.Context, symbol models.Symbol, g models.Granularity, now time.Time) models.CheckResult {
	res := models.CheckResult{Granularity: g, Checked: true}

	bars, err := a.store.Read(ctx, symbol, g)
	if err != nil {
		if store.IsNotFound(err) {
			res.Detail = "dataset missing"
		} else {
			res.Detail = fmt.Sprintf("unreadable: %v", err)
		}
		return res
	}
	res.Rows = len(bars)
	if len(bars) == 0 {
		res.Detail = "dataset empty"
		return res
	}

	switch g {
	case models.Daily:
		res.Passed = res.Rows >= a.thresholds.DailyMinRows
		if !res.Passed {
			res.Detail = fmt.Sprintf("%d rows, need %d", res.Rows, a.thresholds.DailyMinRows)
		}
	case models.Intraday30m:
		res.Passed = res.Rows >= a.thresholds.Intraday30mMinRows
		if !res.Passed {
			res.Detail = fmt.Sprintf("%d rows, need %d", res.Rows, a.thresholds.Intraday30mMinRows)
		}
	case models.Intraday1m:
		oldest := bars[0].Timestamp
		res.SpanDays = now.Sub(oldest).Hours() / 24
		required := a.coverageStart(now, a.thresholds.Intraday1mMinDays)
		res.Passed = !a.session.LocalDate(oldest).After(required)
		if !res.Passed {
			res.Detail = fmt.Sprintf("oldest bar %s, need coverage from %s",
				oldest.Format(time.RFC3339), required.Format("2006-01-02"))
		}
	}
	return res
}

// coverageStart is the exchange date of the first session that still has
// bars after the retention cutoff, now minus `days` whole days. Weekends and
// holidays before it carry no bars, so a window opening on one of them is
// satisfied by the next trading day.
func (a *Auditor) coverageStart(now time.Time, days int) time.Time {
	cutoff := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	first := a.session.FirstSessionAfter(cutoff)
	if first.After(now) {
		first = now
	}
	return a.session.LocalDate(first)
}

// AuditAll audits each symbol in order. Cancellation stops the audit early
// and returns what was checked so far.
func (a *Auditor) AuditAll(ctx context.Context, symbols []models.Symbol) *Report {
	report := &Report{CheckedAt: a.now().UTC()}
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		rec := a.Audit(ctx, sym)
		report.Records = append(report.Records, rec)
		if rec.Deficient {
			report.Deficient = append(report.Deficient, sym)
			report.Worklist = append(report.Worklist, models.RepairItem{Symbol: sym, Granularities: rec.NeedsRepair()})
		}
	}

	a.logger.Info().
		Int("checked", report.Total()).
		Int("deficient", len(report.Deficient)).
		Float64("compliance_rate", report.ComplianceRate()).
		Msg("Health audit completed")
	return report
}

// Repair hands the report's worklist to r. Nothing is fetched when the
// report is clean.
func (a *Auditor) Repair(ctx context.Context, report *Report, r Repairer) (*models.RunSummary, error) {
	if len(report.Worklist) == 0 {
		return nil, nil
	}
	a.logger.Info().
		Int("symbols", len(report.Worklist)).
		Msg("Repairing deficient datasets")
	return r.Repair(ctx, report.Worklist)
}

// MergeWorklists combines two worklists, keeping the first-seen symbol order
// and the union of each symbol's granularities in canonical order.
func MergeWorklists(a, b []models.RepairItem) []models.RepairItem {
	wanted := make(map[models.Symbol]map[models.Granularity]bool)
	var order []models.Symbol
	for _, list := range [][]models.RepairItem{a, b} {
		for _, it := range list {
			set, ok := wanted[it.Symbol]
			if !ok {
				set = make(map[models.Granularity]bool)
				wanted[it.Symbol] = set
				order = append(order, it.Symbol)
			}
			for _, g := range it.Granularities {
				set[g] = true
			}
		}
	}

	out := make([]models.RepairItem, 0, len(order))
	for _, sym := range order {
		item := models.RepairItem{Symbol: sym}
		for _, g := range models.AllGranularities() {
			if wanted[sym][g] {
				item.Granularities = append(item.Granularities, g)
			}
		}
		out = append(out, item)
	}
	return out
}
