// Package cli provides the command-line interface for the market data engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"barkeeper/internal/config"
	"barkeeper/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-03-18"
)

// NewRootCmd creates the root command for the CLI. The returned App must be
// closed once the command has run.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) (*cobra.Command, *App) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "barkeeper",
		Short: "OHLCV fetch and retention engine",
		Long: `barkeeper keeps a local store of daily, 30-minute and 1-minute bars for a
watchlist of symbols. It picks a full or compact fetch per dataset, merges new
bars into stored history, trims to the retention policy and audits coverage.

Use 'barkeeper serve' to run the scheduled jobs, or 'barkeeper fetch' for a
single run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/barkeeper)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addRunCommands(rootCmd, app)
	addDataCommands(rootCmd, app)

	return rootCmd, app
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("barkeeper v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": dir})
			}
			output.Println(dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if err := app.Config.RequireCredentials(); err != nil {
				output.Error("Credentials missing: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Provider")
	output.Printf("  Name:             %s\n", cfg.Provider.Name)
	output.Printf("  Exchange zone:    %s\n", cfg.Provider.Exchange)
	output.Printf("  Rate limit:       %d/min (burst %d)\n", cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	output.Printf("  Retry:            %d attempts, %s..%s\n", cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	output.Printf("  API key set:      %v\n", cfg.Credentials.AlphaVantage.APIKey != "")
	output.Println()

	output.Bold("Retention")
	output.Printf("  Daily:            %d rows\n", cfg.Retention.DailyRows)
	output.Printf("  30min:            %d rows\n", cfg.Retention.Intraday30mRows)
	output.Printf("  1min:             %d days\n", cfg.Retention.Intraday1mDays)
	output.Println()

	output.Bold("Store")
	output.Printf("  Backend:          %s\n", cfg.Store.Backend)
	output.Printf("  Data dir:         %s\n", cfg.Store.DataDir)
	output.Printf("  Verify writes:    %v\n", cfg.Store.VerifyWrites)
	output.Printf("  Full fetch below: %d KB\n", cfg.Store.FullFetchThresholdKB)
	output.Println()

	output.Bold("Orchestrator")
	output.Printf("  Workers:          %d\n", cfg.Orchestrator.Workers)
	output.Printf("  Granularities:    %v\n", cfg.Orchestrator.Granularities)
	output.Printf("  Locker:           %s\n", cfg.Orchestrator.Locker)
	output.Println()

	output.Bold("Schedule")
	output.Printf("  Compact:          %s\n", cfg.Schedule.CompactCron)
	output.Printf("  Full:             %s\n", cfg.Schedule.FullCron)
	output.Printf("  Audit:            %s\n", cfg.Schedule.AuditCron)
	output.Printf("  Auto repair:      %v\n", cfg.Audit.AutoRepair)
}
