// Package orchestrator drives fetch runs: for every (symbol, granularity) it
// selects a strategy, fetches, standardizes, merges, trims and persists, and
// turns every per-unit failure into a FetchOutcome instead of aborting.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"barkeeper/internal/dataset"
	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/logging"
	"barkeeper/internal/models"
	"barkeeper/internal/performance"
	"barkeeper/internal/status"
	"barkeeper/internal/store"
	"barkeeper/internal/strategy"
	"barkeeper/internal/timestamps"
	"barkeeper/internal/watchlist"
	"barkeeper/pkg/utils"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = apperrors.New("a run is already in progress")

const reasonCancelled = "run cancelled"

// State is the orchestrator's position in a run.
type State int32

const (
	Idle State = iota
	Enumerating
	Processing
	Summarizing
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Enumerating:
		return "enumerating"
	case Processing:
		return "processing"
	case Summarizing:
		return "summarizing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Fetcher returns raw bars for one unit. *marketdata.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, symbol models.Symbol, g models.Granularity, mode models.FetchMode) ([]models.RawBar, error)
}

// Deps are the collaborators of a run. Manifest and Reporter are optional.
type Deps struct {
	Fetcher      Fetcher
	Standardizer *timestamps.Standardizer
	Store        store.DatasetStore
	Watchlist    watchlist.Provider
	Locker       Locker
	Manifest     *store.Manifest
	Reporter     *status.Reporter
}

// Config tunes a run.
type Config struct {
	Granularities []models.Granularity
	Workers       int
	StoreRetry    utils.RetryConfig
	Policies      dataset.Policies
	MinBytes      int64
	JobName       string
}

// RunRequest selects what a run covers. Empty Granularities means the
// configured set; an empty Job reports under the configured job name.
type RunRequest struct {
	Job           string
	Mode          models.RunMode
	Symbols       []models.Symbol
	Granularities []models.Granularity
	// Plan narrows the granularities per symbol. Symbols absent from it use
	// Granularities; symbols left with none are skipped.
	Plan  map[models.Symbol][]models.Granularity
	Force bool
}

// Orchestrator executes runs. Only one run may be active at a time.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	selector *strategy.Selector
	logger   zerolog.Logger
	now      func() time.Time

	state   atomic.Int32
	running atomic.Bool
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	if len(cfg.Granularities) == 0 {
		cfg.Granularities = models.AllGranularities()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Policies == nil {
		cfg.Policies = dataset.DefaultPolicies()
	}
	if cfg.StoreRetry.MaxAttempts < 1 {
		cfg.StoreRetry = utils.RetryConfig{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}
	}
	if cfg.StoreRetry.Retryable == nil {
		cfg.StoreRetry.Retryable = storeRetryable
	}
	if cfg.JobName == "" {
		cfg.JobName = "fetch"
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Standardizer == nil {
		deps.Standardizer = timestamps.New(nil)
	}

	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		selector: strategy.NewSelector(cfg.MinBytes),
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock used for trimming and outcome timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

func storeRetryable(err error) bool {
	if store.IsNotFound(err) {
		return false
	}
	return !apperrors.Is(err, context.Canceled)
}

type unit struct {
	index  int
	symbol models.Symbol
	g      models.Granularity
}

// Run executes one run and always returns a summary unless the run could not
// start. Per-unit failures are recorded, never returned.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*models.RunSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)
	defer o.setState(Idle)

	runID := uuid.NewString()
	logger := logging.WithRun(o.logger, runID)
	started := o.now()
	job := req.Job
	if job == "" {
		job = o.cfg.JobName
	}

	o.deps.Reporter.Report(ctx, job, status.Running, string(req.Mode))

	o.setState(Enumerating)
	symbols, err := o.enumerate(ctx, req)
	if err != nil {
		logger.Error().Err(err).Str("mode", string(req.Mode)).Msg("Run aborted before processing")
		o.deps.Reporter.Report(ctx, job, status.Fail, err.Error())
		return nil, err
	}

	granularities := req.Granularities
	if len(granularities) == 0 {
		granularities = o.cfg.Granularities
	}

	units := make([]unit, 0, len(symbols)*len(granularities))
	planned := make([]models.Symbol, 0, len(symbols))
	for _, sym := range symbols {
		gs := unitGranularities(req.Plan, sym, granularities)
		if len(gs) == 0 {
			logger.Debug().Str("symbol", sym.String()).Msg("Nothing planned for symbol")
			continue
		}
		planned = append(planned, sym)
		for _, g := range gs {
			units = append(units, unit{index: len(units), symbol: sym, g: g})
		}
	}
	symbols = planned

	logger.Info().
		Str("mode", string(req.Mode)).
		Int("symbols", len(symbols)).
		Int("units", len(units)).
		Int("workers", o.cfg.Workers).
		Bool("force", req.Force).
		Msg("Run started")

	o.setState(Processing)
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	outcomes := o.process(runCtx, abort, runID, units, req.Force, logger)
	if cause := context.Cause(runCtx); cause != nil && ctx.Err() == nil {
		logger.Error().Err(cause).Msg("Run aborted")
	}

	o.setState(Summarizing)
	summary := summarize(runID, req.Mode, symbols, outcomes)
	summary.StartedAt = started
	summary.FinishedAt = o.now()
	summary.Cancelled = ctx.Err() != nil
	logging.LogRunSummary(logger, summary)

	final := status.Success
	if summary.Cancelled || (summary.Total > 0 && summary.Succeeded() == 0) {
		final = status.Fail
	}
	o.deps.Reporter.Report(context.WithoutCancel(ctx), job, final, summary.Line())

	o.setState(Done)
	return summary, nil
}

// unitGranularities narrows the run's granularities to sym's plan entry.
func unitGranularities(plan map[models.Symbol][]models.Granularity, sym models.Symbol, granularities []models.Granularity) []models.Granularity {
	wanted, ok := plan[sym]
	if !ok || len(wanted) == 0 {
		return granularities
	}
	var out []models.Granularity
	for _, g := range granularities {
		for _, w := range wanted {
			if g == w {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

func (o *Orchestrator) enumerate(ctx context.Context, req RunRequest) ([]models.Symbol, error) {
	switch req.Mode {
	case models.FullUniverse, "":
		if o.deps.Watchlist == nil {
			return nil, fmt.Errorf("%w: no watchlist configured", apperrors.ErrConfigInvalid)
		}
		symbols, err := o.deps.Watchlist.ListSymbols(ctx)
		if err != nil {
			return nil, err
		}
		return symbols, nil
	case models.Targeted:
		raw := make([]string, len(req.Symbols))
		for i, sym := range req.Symbols {
			raw[i] = sym.String()
		}
		symbols := watchlist.Normalize(raw)
		if len(symbols) == 0 {
			return nil, fmt.Errorf("%w: targeted run without symbols", apperrors.ErrUnsupportedInput)
		}
		return symbols, nil
	default:
		return nil, fmt.Errorf("%w: run mode %q", apperrors.ErrUnsupportedInput, req.Mode)
	}
}

// process runs every unit. A fatal error in one unit aborts the rest.
func (o *Orchestrator) process(ctx context.Context, abort context.CancelCauseFunc, runID string, units []unit, force bool, logger zerolog.Logger) []models.FetchOutcome {
	outcomes := make([]models.FetchOutcome, len(units))

	run := func(u unit) {
		if ctx.Err() != nil {
			outcomes[u.index] = o.cancelled(ctx, runID, u)
			return
		}
		outcome, err := o.processUnit(ctx, runID, u.symbol, u.g, force, logger)
		outcomes[u.index] = outcome
		if apperrors.IsFatal(err) {
			abort(err)
		}
	}

	if o.cfg.Workers <= 1 || len(units) <= 1 {
		for _, u := range units {
			run(u)
		}
		return outcomes
	}

	pool := performance.NewWorkerPool(o.cfg.Workers)
	pool.Start()
	var wg sync.WaitGroup
	for i, u := range units {
		u := u
		wg.Add(1)
		if err := pool.SubmitBlocking(ctx, func() { defer wg.Done(); run(u) }); err != nil {
			wg.Done()
			for _, rest := range units[i:] {
				outcomes[rest.index] = o.cancelled(ctx, runID, rest)
			}
			break
		}
	}
	wg.Wait()
	pool.Drain()
	return outcomes
}

func (o *Orchestrator) cancelled(ctx context.Context, runID string, u unit) models.FetchOutcome {
	now := o.now()
	reason := reasonCancelled
	if cause := context.Cause(ctx); apperrors.IsFatal(cause) {
		reason = "run aborted: " + cause.Error()
	}
	return models.FetchOutcome{
		RunID:       runID,
		Symbol:      u.symbol,
		Granularity: u.g,
		Status:      models.OutcomeFailed,
		Reason:      reason,
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// processUnit runs the per-unit pipeline and records its outcome. The error
// is the failure cause, already folded into the outcome.
func (o *Orchestrator) processUnit(ctx context.Context, runID string, symbol models.Symbol, g models.Granularity, force bool, runLogger zerolog.Logger) (models.FetchOutcome, error) {
	logger := logging.WithUnit(runLogger, symbol, g)
	outcome := models.FetchOutcome{
		RunID:       runID,
		Symbol:      symbol,
		Granularity: g,
		StartedAt:   o.now(),
	}
	fail := func(err error) (models.FetchOutcome, error) {
		outcome.Status = models.OutcomeFailed
		outcome.Reason = err.Error()
		return o.record(ctx, outcome, nil, 0, logger), err
	}

	release, err := o.deps.Locker.Acquire(ctx, symbol, g)
	if err != nil {
		return fail(apperrors.Wrap(err, "acquire lock"))
	}
	defer release()

	// SelectStrategy
	meta := strategy.DatasetMeta{}
	size, err := utils.RetryWithResult(ctx, o.cfg.StoreRetry, func() (int64, error) {
		return o.deps.Store.Size(ctx, symbol, g)
	})
	switch {
	case err == nil:
		meta = strategy.DatasetMeta{Exists: true, Size: size}
	case !store.IsNotFound(err):
		return fail(apperrors.Wrap(err, "stat dataset"))
	}
	decision := o.selector.Decide(meta, force)
	outcome.Mode = decision.Mode
	logger.Debug().Str("decision", decision.String()).Int64("size", meta.Size).Msg("Strategy selected")

	// Fetch
	raw, err := o.deps.Fetcher.Fetch(ctx, symbol, g, decision.Mode)
	if err != nil {
		return fail(apperrors.Wrap(err, "fetch"))
	}

	// Standardize
	incoming, dropped := o.deps.Standardizer.Standardize(raw, g)
	outcome.Fetched = len(raw)
	outcome.Dropped = len(dropped)
	for _, derr := range dropped {
		logger.Debug().Err(derr).Msg("Dropped bar")
	}

	// LoadExisting
	var existing []models.Bar
	if meta.Exists {
		existing, err = utils.RetryWithResult(ctx, o.cfg.StoreRetry, func() ([]models.Bar, error) {
			return o.deps.Store.Read(ctx, symbol, g)
		})
		if err != nil && !store.IsNotFound(err) {
			if decision.Mode != models.Full {
				return fail(apperrors.Wrap(err, "read existing"))
			}
			logger.Warn().Err(err).Msg("Existing dataset unreadable, rebuilding from fetched bars")
			existing = nil
		}
	}
	outcome.RowsBefore = len(existing)

	if len(incoming) == 0 {
		if decision.Mode == models.Compact && len(existing) > 0 && len(raw) == 0 {
			outcome.Status = models.OutcomeSuccess
			outcome.RowsAfter = len(existing)
			outcome.Reason = "no new bars"
			return o.record(ctx, outcome, nil, 0, logger), nil
		}
		return fail(apperrors.NewInsufficientDataError(symbol.String(), g.String(), 0, 1))
	}

	// Merge, Trim
	policy := o.cfg.Policies.For(g)
	merged, stats := dataset.MergeWithStats(existing, incoming)
	trimmed := dataset.Trim(merged, policy, o.now())

	// Persist
	if err := utils.Retry(ctx, o.cfg.StoreRetry, func() error {
		return o.deps.Store.Write(ctx, symbol, g, trimmed)
	}); err != nil {
		return fail(apperrors.Wrap(err, "persist"))
	}

	outcome.RowsAfter = len(trimmed)
	outcome.Status = models.OutcomeSuccess
	switch {
	case outcome.Dropped > 0:
		outcome.Status = models.OutcomePartialSuccess
		outcome.Reason = fmt.Sprintf("%d malformed bars dropped", outcome.Dropped)
	case decision.Mode == models.Full && policy.MaxRows > 0 && len(incoming) < policy.MaxRows:
		outcome.Status = models.OutcomePartialSuccess
		outcome.Reason = apperrors.NewInsufficientDataError(symbol.String(), g.String(), len(incoming), policy.MaxRows).Error()
	}
	logger.Debug().Int("added", stats.Added).Int("replaced", stats.Replaced).Msg("Merged")

	var written int64
	if n, err := o.deps.Store.Size(ctx, symbol, g); err == nil {
		written = n
	}
	return o.record(ctx, outcome, trimmed, written, logger), nil
}

// record finalizes an outcome: manifest (best effort), status sinks and log.
func (o *Orchestrator) record(ctx context.Context, outcome models.FetchOutcome, bars []models.Bar, size int64, logger zerolog.Logger) models.FetchOutcome {
	outcome.FinishedAt = o.now()

	if o.deps.Manifest != nil && outcome.Succeeded() && bars != nil {
		entry := store.NewManifestEntry(bars, outcome.Mode, string(outcome.Status), size, outcome.FinishedAt)
		if err := o.deps.Manifest.Record(context.WithoutCancel(ctx), outcome.Symbol, outcome.Granularity, entry); err != nil {
			logger.Warn().Err(err).Msg("Failed to update fetch manifest")
		}
	}

	o.deps.Reporter.ReportOutcome(context.WithoutCancel(ctx), outcome)
	logging.LogOutcome(logger, outcome)
	return outcome
}

// summarize rolls outcomes up per symbol.
func summarize(runID string, mode models.RunMode, symbols []models.Symbol, outcomes []models.FetchOutcome) *models.RunSummary {
	bySymbol := make(map[models.Symbol][]models.FetchOutcome, len(symbols))
	for _, oc := range outcomes {
		bySymbol[oc.Symbol] = append(bySymbol[oc.Symbol], oc)
	}

	s := &models.RunSummary{
		RunID:    runID,
		Mode:     mode,
		Total:    len(symbols),
		Outcomes: outcomes,
		Failures: make(map[models.Symbol]string),
	}
	for _, sym := range symbols {
		ocs := bySymbol[sym]
		switch models.RollUp(ocs) {
		case models.SymbolComplete:
			s.Complete++
		case models.SymbolPartial:
			s.Partial++
		default:
			s.Failed++
			s.Failures[sym] = firstReason(ocs)
		}
	}
	return s
}

func firstReason(outcomes []models.FetchOutcome) string {
	for _, oc := range outcomes {
		if oc.Reason != "" {
			return fmt.Sprintf("%s: %s", oc.Granularity, oc.Reason)
		}
	}
	return "no outcomes"
}

// Repair force-rebuilds the listed datasets; it satisfies audit.Repairer.
// An item without granularities rebuilds every configured one.
func (o *Orchestrator) Repair(ctx context.Context, items []models.RepairItem) (*models.RunSummary, error) {
	req := RunRequest{
		Job:   "repair",
		Mode:  models.Targeted,
		Force: true,
		Plan:  make(map[models.Symbol][]models.Granularity, len(items)),
	}
	for _, it := range items {
		sym := models.NewSymbol(it.Symbol.String())
		req.Symbols = append(req.Symbols, sym)
		req.Plan[sym] = append(req.Plan[sym], it.Granularities...)
	}
	return o.Run(ctx, req)
}
