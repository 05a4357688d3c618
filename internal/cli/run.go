package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"barkeeper/internal/audit"
	"barkeeper/internal/models"
	"barkeeper/internal/orchestrator"
	"barkeeper/internal/scheduler"
	"barkeeper/pkg/utils"
)

// addRunCommands adds the fetch, audit and serve commands.
func addRunCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newFetchCmd(app))
	rootCmd.AddCommand(newAuditCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func symbolsFlag(cmd *cobra.Command) []models.Symbol {
	raw, _ := cmd.Flags().GetStringSlice("symbols")
	out := make([]models.Symbol, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, models.NewSymbol(s))
		}
	}
	return out
}

func newFetchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one fetch over the watchlist or given symbols",
		Long: `Fetch bars for every (symbol, granularity) pair, merge them into the
stored datasets and trim to the retention policy.

Each dataset gets a full fetch when it is missing or below the size
threshold, and a compact fetch otherwise. A failing symbol never stops the
run; the summary lists every failure with its reason.`,
		Example: `  barkeeper fetch
  barkeeper fetch --symbols AAPL,MSFT --granularity daily
  barkeeper fetch --full --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.build(); err != nil {
				output.Error("Setup failed: %v", err)
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			req := orchestrator.RunRequest{Job: "manual_fetch", Mode: models.FullUniverse}
			if symbols := symbolsFlag(cmd); len(symbols) > 0 {
				req.Mode = models.Targeted
				req.Symbols = symbols
			}
			req.Force, _ = cmd.Flags().GetBool("full")

			names, _ := cmd.Flags().GetStringSlice("granularity")
			if len(names) > 0 {
				gs, err := parseGranularities(names)
				if err != nil {
					output.Error("%v", err)
					return err
				}
				req.Granularities = gs
			}

			summary, err := app.Orchestrator.Run(ctx, req)
			if err != nil {
				output.Error("Run failed: %v", err)
				return err
			}

			if output.IsJSON() {
				if err := output.JSON(summary); err != nil {
					return err
				}
			} else {
				displaySummary(output, summary)
				if limiter := app.Client.Limiter(); limiter != nil {
					stats := limiter.Stats()
					output.Dim("Provider calls: %d, throttled %d times for %s, %.0f requests left in burst",
						app.Client.Attempts(), stats.Throttled, utils.FormatDuration(stats.Waited), limiter.Tokens())
				}
			}

			if summary.Total > 0 && summary.Succeeded() == 0 {
				return fmt.Errorf("no symbol succeeded")
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("symbols", nil, "only these symbols (targeted run)")
	cmd.Flags().StringSlice("granularity", nil, "granularities to fetch (daily, 30min, 1min)")
	cmd.Flags().Bool("full", false, "force a full fetch for every dataset")

	return cmd
}

func displaySummary(output *Output, s *models.RunSummary) {
	table := NewTable(output, "SYMBOL", "GRANULARITY", "MODE", "STATUS", "ROWS", "FETCHED", "TIME", "REASON")
	for _, o := range s.Outcomes {
		table.AddRow(
			o.Symbol.String(),
			o.Granularity.String(),
			string(o.Mode),
			output.OutcomeStatus(o.Status),
			fmt.Sprintf("%d -> %d", o.RowsBefore, o.RowsAfter),
			utils.FormatCount(int64(o.Fetched)),
			utils.FormatDuration(o.Duration()),
			utils.TruncateString(o.Reason, 60),
		)
	}
	table.Render()
	output.Println()

	switch {
	case s.Failed == 0 && !s.Cancelled:
		output.Success("%s", s.Line())
	case s.Succeeded() > 0:
		output.Warning("%s", s.Line())
	default:
		output.Error("%s", s.Line())
	}
	if s.Cancelled {
		output.Warning("Run was cancelled before every unit finished")
	}

	symbols := make([]string, 0, len(s.Failures))
	for sym := range s.Failures {
		symbols = append(symbols, sym.String())
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		output.Printf("  %s  %s\n", output.Red(sym), s.Failures[models.Symbol(sym)])
	}
	output.Dim("Run %s took %s", s.RunID, utils.FormatDuration(s.FinishedAt.Sub(s.StartedAt)))
}

func newAuditCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check stored datasets against minimum coverage",
		Long: `Audit every watchlist symbol: daily and 30-minute datasets need a minimum
row count, and the 1-minute dataset must cover the configured number of days.
With --repair, deficient symbols get a forced full fetch.`,
		Example: `  barkeeper audit
  barkeeper audit --repair
  barkeeper audit --symbols AAPL --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.build(); err != nil {
				output.Error("Setup failed: %v", err)
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			symbols := symbolsFlag(cmd)
			if len(symbols) == 0 {
				var err error
				symbols, err = app.Watchlist.ListSymbols(ctx)
				if err != nil {
					output.Error("Watchlist: %v", err)
					return err
				}
			}

			report := app.Auditor.AuditAll(ctx, symbols)

			var repaired *models.RunSummary
			if repair, _ := cmd.Flags().GetBool("repair"); repair {
				var err error
				repaired, err = app.Auditor.Repair(ctx, report, app.Orchestrator)
				if err != nil {
					output.Error("Repair failed: %v", err)
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(struct {
					Report *audit.Report      `json:"report"`
					Repair *models.RunSummary `json:"repair,omitempty"`
				}{report, repaired})
			}

			displayReport(output, report)
			if repaired != nil {
				output.Println()
				output.Bold("Repair")
				displaySummary(output, repaired)
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("symbols", nil, "audit only these symbols")
	cmd.Flags().Bool("repair", false, "force a full fetch for deficient symbols")

	return cmd
}

func displayReport(output *Output, r *audit.Report) {
	table := NewTable(output, "SYMBOL", "HEALTH", "FAILED ON", "DETAIL")
	for _, rec := range r.Records {
		health := output.Green("ok")
		if rec.Deficient {
			health = output.Red("deficient")
		}
		detail := ""
		if c, ok := rec.Check(rec.FailedOn); ok {
			detail = c.Detail
		}
		table.AddRow(rec.Symbol.String(), health, rec.FailedOn.String(), detail)
	}
	table.Render()
	output.Println()

	line := fmt.Sprintf("%d/%d symbols healthy (%s)", r.Total()-len(r.Deficient), r.Total(), utils.FormatPercent(r.ComplianceRate()))
	if len(r.Deficient) == 0 {
		output.Success("%s", line)
	} else {
		output.Warning("%s", line)
	}
}

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compact, full and audit jobs on their schedules",
		Long: `Start the scheduler daemon. Cron expressions come from the [schedule]
section and carry a leading seconds field. Runs never overlap; a firing
that finds a run in progress is skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.build(); err != nil {
				output.Error("Setup failed: %v", err)
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := app.pingRedis(ctx); err != nil {
				output.Error("Redis unavailable: %v", err)
				return err
			}

			cfg := app.Config
			s := scheduler.NewScheduler(ctx, app.Orchestrator, app.Auditor, app.Watchlist, app.Reporter, app.Logger)
			s.AutoRepair = cfg.Audit.AutoRepair
			if cfg.Schedule.MarketHoursOnly {
				s.Session = app.Standardizer.Session()
			}
			if err := s.RegisterAll(scheduler.Specs{
				Compact: cfg.Schedule.CompactCron,
				Full:    cfg.Schedule.FullCron,
				Audit:   cfg.Schedule.AuditCron,
			}); err != nil {
				output.Error("%v", err)
				return err
			}

			s.Start()
			if runNow, _ := cmd.Flags().GetBool("run-now"); runNow || cfg.Schedule.RunOnStart {
				go s.RunCompactNow()
			}

			output.Info("Scheduler running, press Ctrl+C to stop")
			<-ctx.Done()
			s.Stop()
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().Bool("run-now", false, "run a compact update immediately")

	return cmd
}
