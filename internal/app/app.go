package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ListingWatcher/internal/config"
	"ListingWatcher/internal/domain"
	"ListingWatcher/internal/infrastructure/httpapi"
	"ListingWatcher/internal/infrastructure/lock"
	"ListingWatcher/internal/infrastructure/providers"
	"ListingWatcher/internal/infrastructure/providers/mercadolibre"
	"ListingWatcher/internal/infrastructure/providers/zonaprop"
	"ListingWatcher/internal/infrastructure/scheduler"
	"ListingWatcher/internal/infrastructure/storage"
	"ListingWatcher/internal/infrastructure/telegram"
	"ListingWatcher/internal/logging"
	"ListingWatcher/internal/metrics"
	"ListingWatcher/internal/normalize"
	"ListingWatcher/internal/notify"
	"ListingWatcher/internal/ports"
	"ListingWatcher/internal/provider"
	"ListingWatcher/internal/retry"
	"ListingWatcher/internal/revision"
	"ListingWatcher/internal/usecase"
	"ListingWatcher/internal/watch"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     ports.Store
	db        *sqlx.DB
	redis     *redis.Client
	metrics   *metrics.Metrics
	pipeline  *usecase.Pipeline
	searches  *usecase.SearchService
	scheduler *usecase.Scheduler
	api       *httpapi.Server
}

// New builds the application; configuration and connection problems are reported
// wrapped in domain.ErrConfiguration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	a := &Application{cfg: cfg, logger: baseLogger, metrics: metrics.New()}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	locker, err := a.buildLocker()
	if err != nil {
		a.Close()
		return nil, err
	}

	registry := a.buildRegistry()
	location := cfg.Scheduler.Location()
	pc := cfg.Pipeline

	normalizer := normalize.NewNormalizer(pc.DuplicateWarnRatio, baseLogger.With("component", "normalize"))
	engine := revision.NewEngine(a.store, baseLogger.With("component", "revision"))
	watches := watch.NewManager(a.store, pc.SearchGrace, a.policy(pc.MarkRetry, "mark"), baseLogger.With("component", "watch"))

	var dispatcher ports.Dispatcher
	var alerter ports.Alerter
	if cfg.Telegram.BotToken != "" {
		client := telegram.NewClient(telegram.Options{
			BaseURL:      cfg.Telegram.BaseURL,
			BotToken:     cfg.Telegram.BotToken,
			Timeout:      cfg.Telegram.Timeout,
			RatePerSec:   cfg.Telegram.RatePerSec,
			MessageDelay: cfg.Telegram.MessageDelay,
		})
		dispatcher = telegram.NewDispatcher(client)
		if admin := telegram.NewAlerter(client, cfg.Telegram.AdminChatID); admin != nil {
			alerter = admin
		}
	}

	batcher := notify.NewBatcher(notify.Config{
		MaxBatch:           pc.MaxBatch,
		OversizedThreshold: pc.OversizedThreshold,
		Location:           location,
	}, dispatcher, watches, alerter, baseLogger.With("component", "notify"))

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Store:      a.store,
		Providers:  registry,
		Normalizer: normalizer,
		Engine:     engine,
		Watches:    watches,
		Batcher:    batcher,
		Alerter:    alerter,
		Locker:     locker,
		Metrics:    a.metrics,
		Logger:     baseLogger.With("component", "pipeline"),
		Config: usecase.PipelineConfig{
			SearchGrace:       pc.SearchGrace,
			RefreshInterval:   pc.RefreshInterval,
			ETLConcurrency:    pc.ETLConcurrency,
			NotifyConcurrency: pc.NotifyConcurrency,
			UserDelay:         pc.UserDelay,
			LockTTL:           pc.LockTTL,
			FetchRetry:        a.policy(pc.FetchRetry, "fetch"),
			StoreRetry:        a.policy(pc.StoreRetry, "store"),
		},
	})

	a.searches = usecase.NewSearchService(usecase.SearchServiceDeps{
		Store:      a.store,
		Providers:  registry,
		Normalizer: normalizer,
		Engine:     engine,
		Logger:     baseLogger.With("component", "searches"),
		Config: usecase.SearchConfig{
			MaxFreeSearches:  cfg.Searches.MaxFreeSearches,
			ExcessiveWarning: cfg.Searches.ExcessiveWarning,
			ExcessiveError:   cfg.Searches.ExcessiveError,
			MaxPages:         cfg.Searches.MaxPages,
		},
	})

	cron := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, location, baseLogger.With("component", "cron"))
	a.scheduler = usecase.NewScheduler(cron, a, baseLogger.With("component", "scheduler"))

	if cfg.HTTP.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		a.api = httpapi.NewServer(cfg.HTTP.Addr, httpapi.Deps{
			Runner:   a,
			Searches: a.searches,
			Health:   a.store.Ping,
			Metrics:  a.metrics.Handler(),
			Logger:   baseLogger.With("component", "httpapi"),

			RunTimeout: cfg.HTTP.RunTimeout,
		})
	}

	return a, nil
}

func (a *Application) openStore(ctx context.Context) error {
	dbCfg := a.cfg.Database
	if dbCfg.DSN == "" {
		a.logger.Warn("database.dsn is empty, using the in-memory store; data is lost on exit")
		a.store = storage.NewMemoryStore()
		return nil
	}

	db, err := storage.Open(ctx, dbCfg.Driver, dbCfg.DSN, dbCfg.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	a.db = db
	a.store = storage.NewPostgresStore(db)

	if dbCfg.MigrateOnStart {
		if err := storage.Migrate(db.DB, a.logger.With("component", "migrate")); err != nil {
			a.Close()
			return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
		}
	}
	return nil
}

func (a *Application) buildLocker() (ports.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewMemoryLocker(), nil
	}
	client, err := lock.NewClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	a.redis = client
	return lock.NewRedisLocker(client), nil
}

func (a *Application) buildRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	pcfg := a.cfg.Providers

	if pcfg.ZonaProp.Enabled {
		registry.Register(zonaprop.New(zonaprop.Options{
			BaseURL:  pcfg.ZonaProp.BaseURL,
			MaxPages: pcfg.ZonaProp.MaxPages,
			Fetcher:  providers.NewFetcher(providers.FetcherOptions{Timeout: pcfg.ZonaProp.Timeout, RatePerSec: pcfg.ZonaProp.RatePerSec}),
			Logger:   a.logger.With("component", "provider.zonaprop"),
		}))
	}
	if pcfg.MercadoLibre.Enabled {
		registry.Register(mercadolibre.New(mercadolibre.Options{
			APIBaseURL:  pcfg.MercadoLibre.APIBaseURL,
			AccessToken: pcfg.MercadoLibre.AccessToken,
			MaxPages:    pcfg.MercadoLibre.MaxPages,
			Fetcher:     providers.NewFetcher(providers.FetcherOptions{Timeout: pcfg.MercadoLibre.Timeout, RatePerSec: pcfg.MercadoLibre.RatePerSec}),
			Logger:      a.logger.With("component", "provider.mercadolibre"),
		}))
	}
	return registry
}

func (a *Application) policy(rc config.RetryConfig, name string) retry.Policy {
	return retry.Policy{
		Attempts: rc.Attempts,
		Initial:  rc.Initial,
		Max:      rc.Max,
		Logger:   a.logger.With("component", "retry."+name),
	}
}

// RunETL refreshes due searches once.
func (a *Application) RunETL(ctx context.Context, refreshOverride *time.Duration) (usecase.Report, error) {
	return a.pipeline.RunETL(ctx, refreshOverride)
}

// RunNotify delivers pending notifications once; it needs a Telegram bot token.
func (a *Application) RunNotify(ctx context.Context) (usecase.Report, error) {
	if a.cfg.Telegram.BotToken == "" {
		return usecase.Report{Phase: usecase.PhaseNotify}, fmt.Errorf("%w: telegram bot token is not set", domain.ErrConfiguration)
	}
	return a.pipeline.RunNotify(ctx)
}

// CreateSearch registers a search for a chat and seeds it.
func (a *Application) CreateSearch(ctx context.Context, ref usecase.UserRef, rawURL string) (usecase.CreateSearchResult, error) {
	return a.searches.CreateSearch(ctx, ref, rawURL)
}

// Migrate applies schema migrations; it is a no-op for the in-memory store.
func (a *Application) Migrate() error {
	if a.db == nil {
		a.logger.Warn("no database configured, nothing to migrate")
		return nil
	}
	return storage.Migrate(a.db.DB, a.logger.With("component", "migrate"))
}

// Serve runs the cron schedule and the admin API until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	if a.cfg.Telegram.BotToken == "" {
		return fmt.Errorf("%w: telegram bot token is not set", domain.ErrConfiguration)
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "cron", a.cfg.Scheduler.CronExpression, "timezone", a.cfg.Scheduler.Location().String())

	g, gctx := errgroup.WithContext(ctx)
	if a.api != nil {
		g.Go(a.api.ListenAndServe)
	}
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		var errs []error
		if a.api != nil {
			if err := a.api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("shutdown api: %w", err))
			}
		}
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Close releases database and Redis connections.
func (a *Application) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
		a.db = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
		a.redis = nil
	}
}
