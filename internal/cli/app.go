package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"barkeeper/internal/audit"
	"barkeeper/internal/config"
	"barkeeper/internal/dataset"
	apperrors "barkeeper/internal/errors"
	"barkeeper/internal/marketdata"
	"barkeeper/internal/models"
	"barkeeper/internal/orchestrator"
	"barkeeper/internal/performance"
	"barkeeper/internal/resilience"
	"barkeeper/internal/status"
	"barkeeper/internal/store"
	"barkeeper/internal/timestamps"
	"barkeeper/internal/watchlist"
	"barkeeper/pkg/utils"
)

// App holds the application dependencies. Components are built on first use
// so that commands like version and config work without credentials.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Blobs        store.BlobStore
	Store        store.DatasetStore
	Manifest     *store.Manifest
	Client       *marketdata.Client
	Standardizer *timestamps.Standardizer
	Watchlist    watchlist.Provider
	Reporter     *status.Reporter
	StatusDB     *status.SQLiteSink
	Orchestrator *orchestrator.Orchestrator
	Auditor      *audit.Auditor

	redis *redis.Client
	built bool
}

// openStorage builds the blob store, dataset store and manifest.
func (a *App) openStorage() error {
	if a.Store != nil {
		return nil
	}
	cfg := a.Config
	blobs, err := store.OpenBlobStore(cfg.Store.Backend, cfg.Store.DataDir, cfg.ResolvePath(cfg.Store.SQLitePath))
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	a.Blobs = blobs
	a.Store = store.NewDatasetStore(blobs, cfg.Store.VerifyWrites)
	a.Manifest = store.NewManifest(blobs, cfg.Store.ManifestPath)
	a.Logger.Debug().Str("backend", cfg.Store.Backend).Str("data_dir", cfg.Store.DataDir).Msg("Dataset store opened")
	return nil
}

// build wires every component a fetch or audit needs.
func (a *App) build() error {
	if a.built {
		return nil
	}
	cfg := a.Config

	if err := cfg.RequireCredentials(); err != nil {
		return err
	}
	if err := a.openStorage(); err != nil {
		return err
	}

	std, err := timestamps.Load(cfg.Provider.Exchange)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	holidays, err := cfg.ExchangeHolidays()
	if err != nil {
		return err
	}
	for _, day := range holidays {
		std.Session().AddHoliday(day)
	}
	a.Standardizer = std

	provider, err := a.newProvider()
	if err != nil {
		return err
	}
	limiter := performance.NewPerMinuteLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	breaker := resilience.NewCircuitBreaker(provider.Name(), resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Retry.BreakerThreshold,
		SuccessThreshold: 1,
		Cooldown:         cfg.Retry.BreakerCooldown,
		Trips:            apperrors.IsRetryable,
	})
	breaker.SetLogger(a.Logger)
	a.Client = marketdata.NewClient(provider, limiter, marketdata.ClientConfig{
		Retry: utils.RetryConfig{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			InitialDelay:  cfg.Retry.BaseDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: 2,
		},
		Timeout: cfg.Provider.Timeout,
		Breaker: breaker,
	}, a.Logger)

	a.Watchlist = a.newWatchlist()

	a.redisClient()

	if err := a.openReporter(); err != nil {
		return err
	}

	granularities, err := parseGranularities(cfg.Orchestrator.Granularities)
	if err != nil {
		return err
	}

	var locker orchestrator.Locker = orchestrator.NewLocalLocker()
	if cfg.Orchestrator.Locker == "redis" {
		locker = orchestrator.NewRedisLocker(a.redis, "", cfg.Orchestrator.LockTTL)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Fetcher:      a.Client,
		Standardizer: a.Standardizer,
		Store:        a.Store,
		Watchlist:    a.Watchlist,
		Locker:       locker,
		Manifest:     a.Manifest,
		Reporter:     a.Reporter,
	}, orchestrator.Config{
		Granularities: granularities,
		Workers:       cfg.Orchestrator.Workers,
		StoreRetry: utils.RetryConfig{
			MaxAttempts:   cfg.Orchestrator.StoreRetryAttempts,
			InitialDelay:  cfg.Orchestrator.StoreRetryDelay,
			MaxDelay:      10 * cfg.Orchestrator.StoreRetryDelay,
			BackoffFactor: 2,
		},
		Policies: dataset.NewPolicies(cfg.Retention.DailyRows, cfg.Retention.Intraday30mRows, cfg.Retention.Intraday1mDays),
		MinBytes: int64(cfg.Store.FullFetchThresholdKB) * 1024,
	}, a.Logger)

	a.Auditor = audit.NewAuditor(a.Store, audit.Thresholds{
		DailyMinRows:       cfg.Audit.DailyMinRows,
		Intraday30mMinRows: cfg.Audit.Intraday30mMinRows,
		Intraday1mMinDays:  cfg.Audit.Intraday1mMinDays,
	}, std.Session(), a.Logger)

	a.built = true
	return nil
}

func (a *App) newProvider() (marketdata.Provider, error) {
	cfg := a.Config
	switch cfg.Provider.Name {
	case "alphavantage":
		return marketdata.NewAlphaVantageProvider(marketdata.AlphaVantageConfig{
			BaseURL:       cfg.Provider.BaseURL,
			APIKey:        cfg.Credentials.AlphaVantage.APIKey,
			Timeout:       cfg.Provider.Timeout,
			ExtendedHours: cfg.Provider.ExtendedHours,
		})
	case "static":
		a.Logger.Warn().Msg("Static provider selected, no market data will be fetched")
		return marketdata.NewStaticProvider(cfg.Provider.CompactBars), nil
	default:
		return nil, apperrors.NewValidationError("provider.name", cfg.Provider.Name, "must be alphavantage or static")
	}
}

func (a *App) newWatchlist() watchlist.Provider {
	if len(a.Config.Watchlist.Symbols) > 0 {
		return watchlist.NewStatic(a.Config.Watchlist.Symbols...)
	}
	return watchlist.NewFile(a.Config.ResolvePath(a.Config.Watchlist.File))
}

// openReporter attaches every configured status sink.
func (a *App) openReporter() error {
	if a.Reporter != nil {
		return nil
	}
	cfg := a.Config.Status
	reporter := status.NewReporter(a.Logger)

	if cfg.Log {
		reporter.AddSink(status.NewLogSink(a.Logger))
	}
	if cfg.SQLite {
		sink, err := a.openStatusDB()
		if err != nil {
			return err
		}
		reporter.AddSink(sink)
	}
	if cfg.WebhookURL != "" {
		reporter.AddSink(status.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.Redis {
		if a.redis == nil {
			return apperrors.NewValidationError("status.redis", true, "needs redis.addr")
		}
		reporter.AddSink(status.NewRedisSink(a.redis, cfg.RedisKey))
	}
	if cfg.KafkaTopic != "" && len(cfg.KafkaBroker) > 0 {
		reporter.AddSink(status.NewKafkaSink(cfg.KafkaBroker, cfg.KafkaTopic))
	}

	a.Logger.Debug().Strs("sinks", reporter.Sinks()).Msg("Status reporter ready")
	a.Reporter = reporter
	return nil
}

// openStatusDB shares the store's SQLite database when that backend is in use.
func (a *App) openStatusDB() (*status.SQLiteSink, error) {
	if a.StatusDB != nil {
		return a.StatusDB, nil
	}
	var (
		sink *status.SQLiteSink
		err  error
	)
	if db, ok := a.Blobs.(*store.SQLiteBlobStore); ok {
		sink, err = status.NewSQLiteSink(db.DB())
	} else {
		sink, err = status.OpenSQLiteSink(a.Config.ResolvePath(a.Config.Store.SQLitePath))
	}
	if err != nil {
		return nil, fmt.Errorf("opening status history: %w", err)
	}
	a.StatusDB = sink
	return sink, nil
}

// Close releases every resource the app opened.
func (a *App) Close() {
	if a.Reporter != nil {
		if err := a.Reporter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close status sinks")
		}
	} else if a.StatusDB != nil {
		_ = a.StatusDB.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Blobs != nil {
		if err := a.Blobs.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close dataset store")
		}
	}
}

// redisClient returns the shared Redis client, or nil when none is configured.
func (a *App) redisClient() *redis.Client {
	if a.redis == nil && a.Config.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
	}
	return a.redis
}

// pingRedis fails fast when a configured Redis is unreachable.
func (a *App) pingRedis(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", a.Config.Redis.Addr, err)
	}
	return nil
}

func parseGranularities(names []string) ([]models.Granularity, error) {
	if len(names) == 0 {
		return models.AllGranularities(), nil
	}
	out := make([]models.Granularity, 0, len(names))
	for _, n := range names {
		g, err := models.ParseGranularity(n)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
