// Package scheduler runs the compact, full and audit jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"barkeeper/internal/audit"
	"barkeeper/internal/models"
	"barkeeper/internal/orchestrator"
	"barkeeper/internal/status"
	"barkeeper/internal/timestamps"
	"barkeeper/internal/watchlist"
	"barkeeper/pkg/utils"
)

// Job names as reported to the status sinks.
const (
	JobCompact = "compact_update"
	JobFull    = "full_rebuild"
	JobAudit   = "health_audit"
)

// Runner executes fetch runs. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*models.RunSummary, error)
	Repair(ctx context.Context, items []models.RepairItem) (*models.RunSummary, error)
}

// Specs are cron expressions with a leading seconds field. Empty disables a job.
type Specs struct {
	Compact string
	Full    string
	Audit   string
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	Cron       *cron.Cron
	Runner     Runner
	Auditor    *audit.Auditor
	Watchlist  watchlist.Provider
	Reporter   *status.Reporter
	AutoRepair bool
	// Session gates cron compact firings to exchange hours; nil runs them all.
	Session *timestamps.Session
	Ctx     context.Context

	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []models.RepairItem
}

// sessionGrace lets compact firings shortly after the close pick up the
// session's final bars.
const sessionGrace = 30 * time.Minute

// NewScheduler creates a scheduler evaluating specs in UTC. Overlapping
// firings of the same job are skipped.
func NewScheduler(ctx context.Context, runner Runner, auditor *audit.Auditor, wl watchlist.Provider, reporter *status.Reporter, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		Runner:    runner,
		Auditor:   auditor,
		Watchlist: wl,
		Reporter:  reporter,
		Ctx:       ctx,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the scheduler's notion of now.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// RegisterAll registers every job with a non-empty spec.
func (s *Scheduler) RegisterAll(specs Specs) error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{JobCompact, specs.Compact, s.compactTask},
		{JobFull, specs.Full, s.fullTask},
		{JobAudit, specs.Audit, s.auditTask},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.Cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s task: %w", j.name, err)
		}
		s.logger.Info().Str("job", j.name).Str("spec", j.spec).Msg("Job registered")
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info().Int("jobs", len(s.Cron.Entries())).Msg("Scheduler started")
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// RunCompactNow executes the compact job immediately, in or out of session.
func (s *Scheduler) RunCompactNow() {
	s.runFetch(JobCompact, false)
}

// RunAuditNow executes the audit job immediately and returns its report.
func (s *Scheduler) RunAuditNow() (*audit.Report, error) {
	return s.runAudit()
}

func (s *Scheduler) compactTask() {
	if !s.inSession() {
		s.logger.Debug().Str("job", JobCompact).Msg("Skipped, exchange closed")
		return
	}
	s.runFetch(JobCompact, false)
}

func (s *Scheduler) inSession() bool {
	if s.Session == nil {
		return true
	}
	now := s.now()
	return s.Session.IsOpen(now) || s.Session.IsOpen(now.Add(-sessionGrace))
}

func (s *Scheduler) fullTask() {
	s.runFetch(JobFull, true)
}

func (s *Scheduler) runFetch(job string, force bool) {
	s.logger.Info().Str("job", job).Msg("Running job")
	summary, err := s.Runner.Run(s.Ctx, orchestrator.RunRequest{
		Job:   job,
		Mode:  models.FullUniverse,
		Force: force,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			s.logger.Warn().Str("job", job).Msg("Skipped, another run is in progress")
			return
		}
		s.logger.Error().Err(err).Str("job", job).Msg("Job failed")
		return
	}
	s.logger.Info().Str("job", job).Msg(summary.Line())
	s.flushRepairs()
}

// Repair runs items together with any queued repairs. When another run holds
// the orchestrator the combined worklist is queued and retried after the next
// fetch job, and a nil summary is returned.
func (s *Scheduler) Repair(ctx context.Context, items []models.RepairItem) (*models.RunSummary, error) {
	s.mu.Lock()
	items = audit.MergeWorklists(s.pending, items)
	s.pending = nil
	s.mu.Unlock()
	if len(items) == 0 {
		return nil, nil
	}

	summary, err := s.Runner.Repair(ctx, items)
	if errors.Is(err, orchestrator.ErrRunInProgress) {
		s.mu.Lock()
		s.pending = audit.MergeWorklists(items, s.pending)
		s.mu.Unlock()
		s.logger.Warn().Int("symbols", len(items)).Msg("Repair queued until the active run ends")
		return nil, nil
	}
	return summary, err
}

// Pending returns the queued repair worklist.
func (s *Scheduler) Pending() []models.RepairItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RepairItem(nil), s.pending...)
}

func (s *Scheduler) flushRepairs() {
	if len(s.Pending()) == 0 {
		return
	}
	summary, err := s.Repair(s.Ctx, nil)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Msg("Queued repair failed")
	case summary != nil:
		s.logger.Info().Msg("Queued repair " + summary.Line())
	}
}

func (s *Scheduler) auditTask() {
	if _, err := s.runAudit(); err != nil {
		s.logger.Error().Err(err).Str("job", JobAudit).Msg("Job failed")
	}
}

func (s *Scheduler) runAudit() (*audit.Report, error) {
	ctx := s.Ctx
	s.Reporter.Report(ctx, JobAudit, status.Running, "")

	symbols, err := s.Watchlist.ListSymbols(ctx)
	if err != nil {
		s.Reporter.Report(ctx, JobAudit, status.Fail, err.Error())
		return nil, err
	}

	report := s.Auditor.AuditAll(ctx, symbols)
	details := fmt.Sprintf("%d/%d symbols healthy (%s)",
		report.Total()-len(report.Deficient), report.Total(), utils.FormatPercent(report.ComplianceRate()))

	if s.AutoRepair && len(report.Worklist) > 0 {
		summary, err := s.Auditor.Repair(ctx, report, s)
		switch {
		case err != nil:
			s.logger.Error().Err(err).Msg("Repair run failed")
			details += "; repair failed: " + err.Error()
		case summary != nil:
			details += "; repair " + summary.Line()
		default:
			details += fmt.Sprintf("; repair queued for %d symbols", len(s.Pending()))
		}
	}

	final := status.Success
	if ctx.Err() != nil {
		final = status.Fail
	}
	s.Reporter.Report(context.WithoutCancel(ctx), JobAudit, final, details)
	return report, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
