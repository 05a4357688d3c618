// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"barkeeper/internal/models"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "barkeeper", "logs", "barkeeper.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig builds the process logger: a console writer on stderr
// and, when enabled, a size-rotated JSON file.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
	if w := fileWriter(cfg); w != nil {
		writers = append(writers, w)
	}

	var writer io.Writer = os.Stderr
	if len(writers) == 1 {
		writer = writers[0]
	} else if len(writers) > 1 {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(writer).
		With().
		Timestamp().
		Str("service", "barkeeper").
		Logger()
}

// fileWriter returns the rotating log file, or nil when file logging is off
// or its directory cannot be created.
func fileWriter(cfg LogConfig) io.Writer {
	if !cfg.File || cfg.FilePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
}

// SetDebugLevel lowers the global level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithUnit adds symbol and granularity to the logger context.
func WithUnit(logger zerolog.Logger, symbol models.Symbol, g models.Granularity) zerolog.Logger {
	return logger.With().
		Str("symbol", symbol.String()).
		Str("granularity", g.String()).
		Logger()
}

// WithRun adds a run id to the logger context.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// LogAPICall logs a provider call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}

// LogOutcome logs the terminal state of one fetch unit.
func LogOutcome(logger zerolog.Logger, o models.FetchOutcome) {
	var event *zerolog.Event
	switch o.Status {
	case models.OutcomeFailed:
		event = logger.Warn()
	default:
		event = logger.Info()
	}
	event.
		Str("event", "fetch_outcome").
		Str("symbol", o.Symbol.String()).
		Str("granularity", o.Granularity.String()).
		Str("mode", string(o.Mode)).
		Str("status", string(o.Status)).
		Int("rows_before", o.RowsBefore).
		Int("rows_after", o.RowsAfter).
		Int("fetched", o.Fetched).
		Int("dropped", o.Dropped).
		Dur("duration", o.Duration()).
		Str("reason", o.Reason).
		Msg("Fetch unit finished")
}

// LogRunSummary logs the end-of-run summary line plus each failure.
func LogRunSummary(logger zerolog.Logger, s *models.RunSummary) {
	logger.Info().
		Str("event", "run_summary").
		Str("run_id", s.RunID).
		Str("mode", string(s.Mode)).
		Int("total", s.Total).
		Int("complete", s.Complete).
		Int("partial", s.Partial).
		Int("failed", s.Failed).
		Bool("cancelled", s.Cancelled).
		Dur("duration", s.FinishedAt.Sub(s.StartedAt)).
		Msg(s.Line())

	for sym, reason := range s.Failures {
		logger.Warn().
			Str("event", "symbol_failed").
			Str("symbol", sym.String()).
			Str("reason", reason).
			Msg("Symbol failed")
	}
}
