// Package config provides configuration management for the market data engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Provider     ProviderConfig     `mapstructure:"provider"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Store        StoreConfig        `mapstructure:"store"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Watchlist    WatchlistConfig    `mapstructure:"watchlist"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Status       StatusConfig       `mapstructure:"status"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Logging      logging.LogConfig  `mapstructure:"logging"`
	Credentials  Credentials        `mapstructure:"-"` // Loaded separately
}

// ProviderConfig holds quote provider settings.
type ProviderConfig struct {
	Name          string        `mapstructure:"name"` // alphavantage, static
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ExtendedHours bool          `mapstructure:"extended_hours"`
	Exchange      string        `mapstructure:"exchange_timezone"`
	// Holidays are extra full-day closures (YYYY-MM-DD) beyond the built-in US calendar.
	Holidays []string `mapstructure:"exchange_holidays"`
	// CompactBars is how many bars a compact response is expected to carry.
	CompactBars int `mapstructure:"compact_bars"`
}

// RateLimitConfig holds the global provider budget.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RetryConfig holds the provider retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	// BreakerThreshold is the consecutive failures that open the provider breaker; 0 disables it.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// RetentionConfig holds per-granularity retention limits.
type RetentionConfig struct {
	DailyRows       int `mapstructure:"daily_rows"`
	Intraday30mRows int `mapstructure:"intraday_30m_rows"`
	Intraday1mDays  int `mapstructure:"intraday_1m_days"`
}

// StoreConfig holds dataset store settings.
type StoreConfig struct {
	Backend      string `mapstructure:"backend"` // fs, sqlite, memory
	DataDir      string `mapstructure:"data_dir"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	VerifyWrites bool   `mapstructure:"verify_writes"`
	ManifestPath string `mapstructure:"manifest_path"`
	// FullFetchThresholdKB: datasets at or below this size get a full rebuild.
	FullFetchThresholdKB int `mapstructure:"full_fetch_threshold_kb"`
}

// AuditConfig holds health audit minimums.
type AuditConfig struct {
	DailyMinRows       int  `mapstructure:"daily_min_rows"`
	Intraday30mMinRows int  `mapstructure:"intraday_30m_min_rows"`
	Intraday1mMinDays  int  `mapstructure:"intraday_1m_min_days"`
	AutoRepair         bool `mapstructure:"auto_repair"`
}

// OrchestratorConfig holds run execution settings.
type OrchestratorConfig struct {
	Workers            int           `mapstructure:"workers"`
	StoreRetryAttempts int           `mapstructure:"store_retry_attempts"`
	StoreRetryDelay    time.Duration `mapstructure:"store_retry_delay"`
	Granularities      []string      `mapstructure:"granularities"`
	Locker             string        `mapstructure:"locker"` // local, redis
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

// WatchlistConfig selects the symbol source.
type WatchlistConfig struct {
	File    string   `mapstructure:"file"`
	Symbols []string `mapstructure:"symbols"`
}

// ScheduleConfig holds cron expressions for the serve daemon (seconds field first).
type ScheduleConfig struct {
	CompactCron string `mapstructure:"compact_cron"`
	FullCron    string `mapstructure:"full_cron"`
	AuditCron   string `mapstructure:"audit_cron"`
	RunOnStart  bool   `mapstructure:"run_on_start"`
	// MarketHoursOnly skips compact firings outside the exchange session.
	MarketHoursOnly bool `mapstructure:"market_hours_only"`
}

// StatusConfig selects status reporting sinks.
type StatusConfig struct {
	Log         bool     `mapstructure:"log"`
	SQLite      bool     `mapstructure:"sqlite"`
	WebhookURL  string   `mapstructure:"webhook_url"`
	Redis       bool     `mapstructure:"redis"`
	RedisKey    string   `mapstructure:"redis_key"`
	KafkaTopic  string   `mapstructure:"kafka_topic"`
	KafkaBroker []string `mapstructure:"kafka_brokers"`
}

// RedisConfig holds the shared Redis connection used by locks and status.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Credentials holds API credentials.
type Credentials struct {
	AlphaVantage AlphaVantageCredentials `mapstructure:"alphavantage"`
}

// AlphaVantageCredentials holds Alpha Vantage API credentials.
type AlphaVantageCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/barkeeper"
	}
	return filepath.Join(home, ".config", "barkeeper")
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:          "alphavantage",
			BaseURL:       "https://www.alphavantage.co/query",
			Timeout:       30 * time.Second,
			ExtendedHours: true,
			Exchange:      "America/New_York",
			CompactBars:   100,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 5, Burst: 1},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelay:        2 * time.Second,
			MaxDelay:         60 * time.Second,
			BreakerThreshold: 10,
			BreakerCooldown:  2 * time.Minute,
		},
		Retention: RetentionConfig{DailyRows: 200, Intraday30mRows: 500, Intraday1mDays: 7},
		Store: StoreConfig{
			Backend:              "fs",
			DataDir:              "data",
			SQLitePath:           "barkeeper.db",
			VerifyWrites:         true,
			ManifestPath:         "manifest/fetch_status.json",
			FullFetchThresholdKB: 10,
		},
		Audit: AuditConfig{
			DailyMinRows:       200,
			Intraday30mMinRows: 500,
			Intraday1mMinDays:  7,
			AutoRepair:         true,
		},
		Orchestrator: OrchestratorConfig{
			Workers:            1,
			StoreRetryAttempts: 2,
			StoreRetryDelay:    500 * time.Millisecond,
			Granularities:      []string{"daily", "30min", "1min"},
			Locker:             "local",
			LockTTL:            10 * time.Minute,
		},
		Watchlist: WatchlistConfig{File: "tickerlist/master_tickerlist.csv"},
		Schedule: ScheduleConfig{
			CompactCron:     "0 */15 13-21 * * 1-5",
			FullCron:        "0 30 21 * * 1-5",
			AuditCron:       "0 0 */6 * * *",
			MarketHoursOnly: true,
		},
		Status: StatusConfig{
			Log:      true,
			RedisKey: "barkeeper:scheduler_status",
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	loadDotEnv(configDir)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// First run: write a template and continue with defaults.
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

// loadDotEnv reads .env files from the working directory and configDir.
// Variables already set in the environment take precedence.
func loadDotEnv(configDir string) {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		cfg.Credentials.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("BARKEEPER_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("BARKEEPER_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("BARKEEPER_WATCHLIST"); v != "" {
		cfg.Watchlist.File = v
	}
	if v := os.Getenv("API_RATE_LIMIT_CALLS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Status.KafkaBroker = strings.Split(v, ",")
	}
	if v := os.Getenv("STATUS_WEBHOOK_URL"); v != "" {
		cfg.Status.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RateLimit.RequestsPerMinute <= 0 {
		return apperrors.NewValidationError("rate_limit.requests_per_minute", c.RateLimit.RequestsPerMinute, "must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return apperrors.NewValidationError("retry.max_attempts", c.Retry.MaxAttempts, "must be at least 1")
	}
	if c.Retention.DailyRows <= 0 || c.Retention.Intraday30mRows <= 0 || c.Retention.Intraday1mDays <= 0 {
		return apperrors.NewValidationError("retention", c.Retention, "all limits must be positive")
	}
	if c.Audit.DailyMinRows > c.Retention.DailyRows {
		return apperrors.NewValidationError("audit.daily_min_rows", c.Audit.DailyMinRows, "exceeds retention.daily_rows; every dataset would fail audit")
	}
	if c.Audit.Intraday30mMinRows > c.Retention.Intraday30mRows {
		return apperrors.NewValidationError("audit.intraday_30m_min_rows", c.Audit.Intraday30mMinRows, "exceeds retention.intraday_30m_rows")
	}
	if c.Orchestrator.Workers < 1 {
		return apperrors.NewValidationError("orchestrator.workers", c.Orchestrator.Workers, "must be at least 1")
	}
	switch c.Store.Backend {
	case "fs", "sqlite", "memory":
	default:
		return apperrors.NewValidationError("store.backend", c.Store.Backend, "must be fs, sqlite or memory")
	}
	switch c.Orchestrator.Locker {
	case "", "local":
	case "redis":
		if !c.Redis.Enabled() {
			return apperrors.NewValidationError("orchestrator.locker", c.Orchestrator.Locker, "redis locker needs redis.addr")
		}
	default:
		return apperrors.NewValidationError("orchestrator.locker", c.Orchestrator.Locker, "must be local or redis")
	}
	if _, err := time.LoadLocation(c.Provider.Exchange); err != nil {
		return apperrors.NewValidationError("provider.exchange_timezone", c.Provider.Exchange, err.Error())
	}
	if _, err := c.ExchangeHolidays(); err != nil {
		return err
	}
	return nil
}

// ExchangeHolidays parses provider.exchange_holidays.
func (c *Config) ExchangeHolidays() ([]time.Time, error) {
	days := make([]time.Time, 0, len(c.Provider.Holidays))
	for _, v := range c.Provider.Holidays {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(v))
		if err != nil {
			return nil, apperrors.NewValidationError("provider.exchange_holidays", v, "must be YYYY-MM-DD")
		}
		days = append(days, d)
	}
	return days, nil
}

// RequireCredentials fails when the configured provider needs an API key that is absent.
func (c *Config) RequireCredentials() error {
	if c.Provider.Name == "alphavantage" && c.Credentials.AlphaVantage.APIKey == "" {
		return apperrors.ErrMissingAPIKey
	}
	return nil
}

// ResolvePath makes p absolute relative to the data directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Store.DataDir, p)
}
