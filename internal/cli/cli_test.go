package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barkeeper/internal/config"
	"barkeeper/internal/marketdata"
	"barkeeper/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Provider.Name = "static"
	cfg.Store.Backend = "memory"
	cfg.Store.DataDir = t.TempDir()
	cfg.Watchlist.Symbols = []string{"AAPL", "MSFT"}
	cfg.Orchestrator.Granularities = []string{"daily"}
	cfg.Retention.DailyRows = 30
	cfg.Audit.DailyMinRows = 30
	cfg.RateLimit.RequestsPerMinute = 6000
	cfg.RateLimit.Burst = 100
	cfg.Retry.MaxAttempts = 1
	cfg.Logging.File = false
	cfg.Logging.Console = false
	return cfg
}

// recentDaily returns n weekday bars ending yesterday in exchange time.
func recentDaily(n int) []models.RawBar {
	bars := make([]models.RawBar, 0, n)
	day := time.Now().UTC().AddDate(0, 0, -1)
	for len(bars) < n {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			bars = append(bars, models.RawBar{
				Timestamp: day.Format("2006-01-02"),
				Open:      "100.00", High: "101.50", Low: "99.25", Close: "100.75",
				Volume: "120000",
			})
		}
		day = day.AddDate(0, 0, -1)
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestFetchCommandJSON(t *testing.T) {
	cmd, app := NewRootCmd(testConfig(t), zerolog.Nop())
	defer app.Close()
	require.NoError(t, app.build())

	provider := app.Client.Provider().(*marketdata.StaticProvider)
	provider.Set("AAPL", models.Daily, recentDaily(30))

	out, err := execute(t, cmd, "fetch", "--json")
	require.NoError(t, err, "one symbol succeeded")

	var summary models.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Complete)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Failures, models.Symbol("MSFT"))

	bars, err := app.Store.Read(context.Background(), "AAPL", models.Daily)
	require.NoError(t, err)
	assert.Len(t, bars, 30)
}

func TestFetchCommandFailsWhenNothingSucceeds(t *testing.T) {
	cmd, app := NewRootCmd(testConfig(t), zerolog.Nop())
	defer app.Close()

	out, err := execute(t, cmd, "fetch", "--symbols", "tsla")
	require.Error(t, err)
	assert.Contains(t, out, "0/1 symbols succeeded")
	assert.Contains(t, out, "TSLA")
}

func TestAuditCommandReportsDeficientSymbols(t *testing.T) {
	cmd, app := NewRootCmd(testConfig(t), zerolog.Nop())
	defer app.Close()

	out, err := execute(t, cmd, "audit", "--json")
	require.NoError(t, err)

	var result struct {
		Report struct {
			Deficient []models.Symbol `json:"deficient"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.ElementsMatch(t, []models.Symbol{"AAPL", "MSFT"}, result.Report.Deficient)
}

func TestShowCommandMissingDataset(t *testing.T) {
	cmd, app := NewRootCmd(testConfig(t), zerolog.Nop())
	defer app.Close()

	out, err := execute(t, cmd, "show", "nvda")
	require.NoError(t, err)
	assert.Contains(t, out, "No daily data stored for NVDA")
}

func TestShowCommandRejectsUnknownGranularity(t *testing.T) {
	cmd, app := NewRootCmd(testConfig(t), zerolog.Nop())
	defer app.Close()

	_, err := execute(t, cmd, "show", "AAPL", "--granularity", "5min")
	assert.Error(t, err)
}

func TestConfigValidateRequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "alphavantage"
	cmd, app := NewRootCmd(cfg, zerolog.Nop())
	defer app.Close()

	out, err := execute(t, cmd, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "Credentials missing")
}

func TestParseGranularities(t *testing.T) {
	all, err := parseGranularities(nil)
	require.NoError(t, err)
	assert.Equal(t, models.AllGranularities(), all)

	gs, err := parseGranularities([]string{"1min", "daily"})
	require.NoError(t, err)
	assert.Equal(t, []models.Granularity{models.Intraday1m, models.Daily}, gs)

	_, err = parseGranularities([]string{"weekly"})
	assert.Error(t, err)
}

func TestTableAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	output := &Output{writer: &buf, colorEnabled: true}

	table := NewTable(output, "SYMBOL", "STATUS")
	table.AddRow("AAPL", output.Green("success"))
	table.AddRow("MSFT", output.Red("failed"))
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "------  -------", ansi.ReplaceAllString(lines[1], ""))
	assert.Equal(t, 8, strings.Index(ansi.ReplaceAllString(lines[2], ""), "success"))
	assert.Equal(t, 8, strings.Index(ansi.ReplaceAllString(lines[3], ""), "failed"))
	assert.NotEqual(t, lines[2], ansi.ReplaceAllString(lines[2], ""), "status cell is colored")
}

func TestVisibleLenIgnoresEscapes(t *testing.T) {
	assert.Equal(t, 4, visibleLen("\x1b[32mAAPL\x1b[0m"))
	assert.Equal(t, 3, visibleLen("€ur"))
}
