package models

import (
	"fmt"
	"time"
)

// OutcomeStatus is the terminal state of one (symbol, granularity) unit.
type OutcomeStatus string

const (
	OutcomeSuccess        OutcomeStatus = "success"
	OutcomePartialSuccess OutcomeStatus = "partial_success"
	OutcomeFailed         OutcomeStatus = "failed"
)

// FetchOutcome records what happened to one unit of work in a run.
// It is built once when the unit finishes and never mutated.
type FetchOutcome struct {
	RunID       string        `json:"run_id"`
	Symbol      Symbol        `json:"symbol"`
	Granularity Granularity   `json:"granularity"`
	Mode        FetchMode     `json:"mode,omitempty"`
	Status      OutcomeStatus `json:"status"`
	RowsBefore  int           `json:"rows_before"`
	RowsAfter   int           `json:"rows_after"`
	Fetched     int           `json:"fetched"`
	Dropped     int           `json:"dropped"`
	Reason      string        `json:"reason,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Succeeded reports whether the unit persisted data.
func (o FetchOutcome) Succeeded() bool {
	return o.Status == OutcomeSuccess || o.Status == OutcomePartialSuccess
}

// Duration returns the unit wall time.
func (o FetchOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// RunMode selects which symbols a run covers.
type RunMode string

const (
	FullUniverse RunMode = "full_universe"
	Targeted     RunMode = "targeted"
)

// SymbolStatus rolls the outcomes of one symbol up to a single verdict.
type SymbolStatus string

const (
	SymbolComplete SymbolStatus = "complete"
	SymbolPartial  SymbolStatus = "partial"
	SymbolFailed   SymbolStatus = "failed"
)

// RollUp derives a symbol's status from its per-granularity outcomes.
func RollUp(outcomes []FetchOutcome) SymbolStatus {
	if len(outcomes) == 0 {
		return SymbolFailed
	}
	ok, clean := 0, 0
	for _, o := range outcomes {
		if o.Succeeded() {
			ok++
		}
		if o.Status == OutcomeSuccess {
			clean++
		}
	}
	switch {
	case clean == len(outcomes):
		return SymbolComplete
	case ok > 0:
		return SymbolPartial
	default:
		return SymbolFailed
	}
}

// RunSummary aggregates one orchestrator run.
type RunSummary struct {
	RunID      string            `json:"run_id"`
	Mode       RunMode           `json:"mode"`
	Total      int               `json:"total"`
	Complete   int               `json:"complete"`
	Partial    int               `json:"partial"`
	Failed     int               `json:"failed"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Outcomes   []FetchOutcome    `json:"outcomes"`
	Failures   map[Symbol]string `json:"failures,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Succeeded counts symbols with at least one persisted granularity.
func (s *RunSummary) Succeeded() int {
	return s.Complete + s.Partial
}

// Line is the one-line human summary, e.g. "7/10 symbols succeeded".
func (s *RunSummary) Line() string {
	return fmt.Sprintf("%d/%d symbols succeeded (%d complete, %d partial, %d failed)",
		s.Succeeded(), s.Total, s.Complete, s.Partial, s.Failed)
}

// CheckResult is the verdict of one granularity's health check.
type CheckResult struct {
	Granularity Granularity `json:"granularity"`
	Checked     bool        `json:"checked"`
	Passed      bool        `json:"passed"`
	Rows        int         `json:"rows"`
	SpanDays    float64     `json:"span_days,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// HealthRecord is the transient audit result for one symbol.
type HealthRecord struct {
	Symbol    Symbol        `json:"symbol"`
	Checks    []CheckResult `json:"checks"`
	Deficient bool          `json:"deficient"`
	FailedOn  Granularity   `json:"failed_on,omitempty"`
}

// Check returns the result for g, if g was examined.
func (h HealthRecord) Check(g Granularity) (CheckResult, bool) {
	for _, c := range h.Checks {
		if c.Granularity == g {
			return c, c.Checked
		}
	}
	return CheckResult{}, false
}

// NeedsRepair lists the granularities a rebuild must cover: the failed one
// and any left unchecked after it. Nil for a healthy record.
func (h HealthRecord) NeedsRepair() []Granularity {
	if !h.Deficient {
		return nil
	}
	var out []Granularity
	for _, g := range AllGranularities() {
		if c, ok := h.Check(g); ok && c.Passed {
			continue
		}
		out = append(out, g)
	}
	return out
}

// RepairItem names the datasets of one symbol that need a forced rebuild.
type RepairItem struct {
	Symbol        Symbol        `json:"symbol"`
	Granularities []Granularity `json:"granularities"`
}
