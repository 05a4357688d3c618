package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"barkeeper/internal/models"
	"barkeeper/internal/scheduler"
	"barkeeper/internal/status"
	"barkeeper/internal/store"
	"barkeeper/internal/timestamps"
	"barkeeper/pkg/utils"
)

// addDataCommands adds commands that inspect stored data and job history.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newShowCmd(app))
	rootCmd.AddCommand(newListCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newShowCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <symbol>",
		Short: "Show the most recent stored bars for a symbol",
		Example: `  barkeeper show AAPL
  barkeeper show MSFT --granularity 1min --tail 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.openStorage(); err != nil {
				output.Error("%v", err)
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			symbol := models.NewSymbol(args[0])
			name, _ := cmd.Flags().GetString("granularity")
			g, err := models.ParseGranularity(name)
			if err != nil {
				output.Error("%v", err)
				return err
			}

			bars, err := app.Store.Read(ctx, symbol, g)
			if err != nil {
				if store.IsNotFound(err) {
					output.Warning("No %s data stored for %s", g, symbol)
					return nil
				}
				output.Error("Failed to read %s %s: %v", symbol, g, err)
				return err
			}

			total := len(bars)
			if tail, _ := cmd.Flags().GetInt("tail"); tail > 0 && tail < len(bars) {
				bars = bars[len(bars)-tail:]
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"symbol":      symbol,
					"granularity": g,
					"rows":        total,
					"bars":        bars,
				})
			}

			output.Bold("%s %s (%s rows)", symbol, g, utils.FormatCount(int64(total)))
			table := NewTable(output, "TIMESTAMP (UTC)", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, b := range bars {
				table.AddRow(
					b.Timestamp.UTC().Format(timestamps.StorageLayout),
					b.Open.StringFixed(2),
					b.High.StringFixed(2),
					b.Low.StringFixed(2),
					b.Close.StringFixed(2),
					utils.FormatVolume(b.Volume),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringP("granularity", "g", string(models.Daily), "daily, 30min or 1min")
	cmd.Flags().IntP("tail", "n", 10, "number of most recent bars (0 for all)")

	return cmd
}

func newListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored datasets with their sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.openStorage(); err != nil {
				output.Error("%v", err)
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			type dataset struct {
				Symbol      models.Symbol      `json:"symbol"`
				Granularity models.Granularity `json:"granularity"`
				Bytes       int64              `json:"bytes"`
			}
			var datasets []dataset
			var totalBytes int64
			for _, g := range models.AllGranularities() {
				symbols, err := app.Store.List(ctx, g)
				if err != nil {
					output.Error("Failed to list %s datasets: %v", g, err)
					return err
				}
				for _, sym := range symbols {
					size, err := app.Store.Size(ctx, sym, g)
					if err != nil {
						app.Logger.Warn().Err(err).Str("symbol", sym.String()).Str("granularity", g.String()).Msg("Failed to stat dataset")
						continue
					}
					datasets = append(datasets, dataset{Symbol: sym, Granularity: g, Bytes: size})
					totalBytes += size
				}
			}

			if output.IsJSON() {
				return output.JSON(datasets)
			}
			if len(datasets) == 0 {
				output.Info("No datasets stored yet. Run 'barkeeper fetch' first.")
				return nil
			}

			table := NewTable(output, "SYMBOL", "GRANULARITY", "SIZE")
			for _, d := range datasets {
				table.AddRow(d.Symbol.String(), d.Granularity.String(), utils.FormatBytes(d.Bytes))
			}
			table.Render()
			output.Println()
			output.Dim("%d datasets, %s", len(datasets), utils.FormatBytes(totalBytes))
			return nil
		},
	}
}

func newStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dataset freshness and recent job history",
		Long: `Show the fetch manifest (last fetch, rows and range per dataset) and the
most recent job states recorded by the status sinks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.openStorage(); err != nil {
				output.Error("%v", err)
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			entries, err := app.Manifest.Load(ctx)
			if err != nil {
				output.Error("Failed to load manifest: %v", err)
				return err
			}
			keys, _ := app.Manifest.Keys(ctx)

			limit, _ := cmd.Flags().GetInt("jobs")
			jobs := recentJobs(ctx, app, limit)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"datasets": entries,
					"jobs":     jobs,
				})
			}

			now := time.Now().UTC()
			output.Bold("Datasets")
			if len(keys) == 0 {
				output.Dim("  nothing fetched yet")
			} else {
				table := NewTable(output, "DATASET", "LAST FETCH", "MODE", "STATUS", "ROWS", "RANGE", "SIZE")
				for _, k := range keys {
					e := entries[k]
					table.AddRow(
						k,
						utils.FormatAge(e.LastFetchUTC, now),
						string(e.ModeUsed),
						e.Status,
						utils.FormatCount(int64(e.Rows)),
						formatRange(e),
						utils.FormatBytes(e.FileSizeBytes),
					)
				}
				table.Render()
			}
			output.Println()

			output.Bold("Jobs")
			if len(jobs) == 0 {
				output.Dim("  no job history")
				return nil
			}
			table := NewTable(output, "JOB", "STATUS", "WHEN", "DETAILS")
			for _, j := range jobs {
				table.AddRow(j.Job, output.JobStatus(j.Status), utils.FormatAge(j.CreatedAt, now), utils.TruncateString(j.Details, 70))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Int("jobs", 10, "number of job states to show")

	return cmd
}

// recentJobs reads job history from SQLite, or the latest scheduler states
// from Redis when only that sink is configured.
func recentJobs(ctx context.Context, app *App, limit int) []status.JobRecord {
	cfg := app.Config.Status
	if cfg.SQLite {
		db, err := app.openStatusDB()
		if err != nil {
			app.Logger.Warn().Err(err).Msg("Job history unavailable")
			return nil
		}
		jobs, err := db.RecentJobs(ctx, limit)
		if err != nil {
			app.Logger.Warn().Err(err).Msg("Failed to read job history")
		}
		return jobs
	}

	client := app.redisClient()
	if !cfg.Redis || client == nil {
		return nil
	}
	sink := status.NewRedisSink(client, cfg.RedisKey)
	var jobs []status.JobRecord
	for _, name := range []string{scheduler.JobCompact, scheduler.JobFull, scheduler.JobAudit} {
		rec, err := sink.Latest(ctx, name)
		if err != nil {
			app.Logger.Warn().Err(err).Str("job", name).Msg("Failed to read job state")
			continue
		}
		if rec != nil {
			jobs = append(jobs, *rec)
		}
	}
	return jobs
}

func formatRange(e store.ManifestEntry) string {
	if e.FirstTS == nil || e.LastTS == nil {
		return "-"
	}
	const layout = "2006-01-02 15:04"
	return fmt.Sprintf("%s .. %s", e.FirstTS.UTC().Format(layout), e.LastTS.UTC().Format(layout))
}
