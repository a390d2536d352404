// Package bootstrap assembles the trading server: it loads configuration,
// opens the stores, wires the admission, matching and query services and
// owns the process lifecycle.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"stock_trader/internal/alert"
	"stock_trader/internal/bus"
	"stock_trader/internal/catalog"
	"stock_trader/internal/config"
	"stock_trader/internal/core"
	"stock_trader/internal/execution"
	"stock_trader/internal/feed"
	"stock_trader/internal/infrastructure/health"
	"stock_trader/internal/infrastructure/metrics"
	"stock_trader/internal/ledger"
	"stock_trader/internal/market"
	"stock_trader/internal/orders"
	"stock_trader/internal/pricing"
	"stock_trader/internal/scheduler"
	"stock_trader/internal/service"
	"stock_trader/internal/storage"
	apphttp "stock_trader/pkg/http"
	"stock_trader/pkg/logging"
	"stock_trader/pkg/telemetry"
)

// healthPollInterval paces the unhealthy-transition watcher.
const healthPollInterval = 30 * time.Second

// App holds the wired components of the trading server.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	DB    *sql.DB
	Redis *redis.Client

	Calendar  *market.Calendar
	Cache     *pricing.RedisCache
	Oracle    *pricing.Oracle
	Ledger    *ledger.Ledger
	Orders    *orders.Store
	Catalog   *catalog.Catalog
	Bus       *bus.Bus
	Admission *orders.AdmissionService
	Query     *service.QueryService

	Worker         *execution.Worker
	RetryScheduler *execution.RetryScheduler
	Opener         *execution.Opener
	Housekeeper    *execution.Housekeeper

	Feed      *feed.Client
	Scheduler *scheduler.Scheduler
	Alerts    *alert.AlertManager
	Notifier  *alert.TradingNotifier
	Health    *health.HealthManager
	Metrics   *metrics.Server
}

// NewApp builds the full dependency graph from a config file.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("Failed to initialize metrics exporter", "error", err)
	}

	clock := core.SystemClock{}

	calendar, err := market.NewCalendar(cfg.Market)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	rdb := pricing.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password.Reveal(), cfg.Redis.DB)
	cache := pricing.NewRedisCache(rdb, logger)
	oracle := pricing.NewOracle(cache, calendar, clock, cfg.FreshnessWindow(), logger)

	led := ledger.New(db, clock, cfg.Trading.InitialCash, logger)
	orderStore := orders.NewStore(db, clock, logger)
	cat := catalog.New(db, logger)

	b := bus.New(clock, cfg.Execution.QueueCapacity,
		time.Duration(cfg.Execution.RedeliveryDelayMS)*time.Millisecond,
		time.Duration(cfg.Execution.AckTimeoutSeconds)*time.Second, logger)
	if err := b.AddTopic(bus.TopicActive, cfg.Execution.ActivePartitions); err != nil {
		return nil, err
	}
	if err := b.AddTopic(bus.TopicRetry, cfg.Execution.RetryPartitions); err != nil {
		return nil, err
	}

	alerts := alert.NewAlertManagerFromConfig(cfg.Alerts, logger)
	notifier := alert.NewTradingNotifier(alerts)

	retryStore := execution.NewRedisRetryStore(rdb, logger)
	retrySched := execution.NewRetryScheduler(retryStore, orderStore, b, clock,
		cfg.RetryDelay(), cfg.Execution.MaxRetries, logger)
	decider := execution.NewRandomDecider(cfg.Execution.MaxRetries,
		cfg.Execution.FillRateFloor, cfg.Execution.FillRateSpread, time.Now().UnixNano())
	worker := execution.NewWorker(orderStore, led, retryStore, retrySched, decider, notifier, logger)

	if err := b.Subscribe(bus.TopicActive, worker.Handle); err != nil {
		return nil, err
	}
	if err := b.Subscribe(bus.TopicRetry, retrySched.HandleRetry); err != nil {
		return nil, err
	}

	admission := orders.NewAdmissionService(led, orderStore, cat, oracle, calendar,
		clock, b, cfg.Trading, logger)
	opener := execution.NewOpener(orderStore, led, oracle, b, clock,
		cfg.Scheduler.OpenerBatchLimit, logger)
	housekeeper := execution.NewHousekeeper(orderStore, retryStore, cache, b, clock, logger)
	query := service.NewQueryService(led, orderStore, cat, cache, oracle, calendar,
		clock, retrySched, cfg.Trading, logger)

	var feedClient *feed.Client
	if cfg.Feed.Enabled {
		feedHTTP := apphttp.NewClient(cfg.Feed.BaseURL, 10*time.Second)
		feedClient = feed.NewClient(cfg.Feed, feedHTTP, cache, orderStore, clock, logger)
	}

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("sqlite", db.Ping)
	healthMgr.Register("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	})
	healthMgr.Register("bus", func() error {
		if !b.Running() {
			return fmt.Errorf("bus not delivering")
		}
		return nil
	})
	if feedClient != nil {
		healthMgr.Register("feed", func() error {
			if !feedClient.Connected() {
				return fmt.Errorf("feed stream down")
			}
			return nil
		})
	}

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
	}

	var cronSched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		loc, err := cfg.Location()
		if err != nil {
			return nil, err
		}
		var refresher scheduler.SubscriptionRefresher
		if feedClient != nil {
			refresher = feedClient
		}
		stall := time.Duration(cfg.Execution.HousekeepingMinutes) * time.Minute
		cronSched = scheduler.NewScheduler(cfg.Scheduler, loc, opener, housekeeper,
			refresher, healthMgr, calendar, clock, stall, logger)
	}

	return &App{
		Cfg:            cfg,
		Logger:         logger,
		DB:             db,
		Redis:          rdb,
		Calendar:       calendar,
		Cache:          cache,
		Oracle:         oracle,
		Ledger:         led,
		Orders:         orderStore,
		Catalog:        cat,
		Bus:            b,
		Admission:      admission,
		Query:          query,
		Worker:         worker,
		RetryScheduler: retrySched,
		Opener:         opener,
		Housekeeper:    housekeeper,
		Feed:           feedClient,
		Scheduler:      cronSched,
		Alerts:         alerts,
		Notifier:       notifier,
		Health:         healthMgr,
		Metrics:        metricsServer,
	}, nil
}

// Run starts every component and blocks until the context is cancelled,
// then shuts them down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.Catalog.Seed(ctx, catalog.DefaultStocks); err != nil {
		return fmt.Errorf("catalog seed: %w", err)
	}

	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	if a.Cfg.Execution.RecoverOnStartup {
		if n, err := a.Housekeeper.RecoverPending(ctx); err != nil {
			a.Logger.Error("Startup recovery failed", "error", err)
		} else if n > 0 {
			a.Logger.Info("Startup recovery republished pending orders", "count", n)
		}
	}

	if a.Metrics != nil {
		a.Metrics.Start()
	}

	if a.Feed != nil {
		if err := a.Feed.Start(ctx); err != nil {
			// The feed reconnects on its own; start failures degrade to
			// close/default pricing rather than aborting the server.
			a.Logger.Error("Feed start failed", "error", err)
		}
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Health.Watch(gctx, healthPollInterval, func(component string, err error) {
			a.Notifier.ComponentUnhealthy(gctx, component, err)
		})
		return nil
	})

	a.Logger.Info("Trading server started",
		"env", a.Cfg.App.Env, "db", a.Cfg.Database.Path, "feed_enabled", a.Cfg.Feed.Enabled)

	<-gctx.Done()
	err := g.Wait()
	a.shutdown()
	return err
}

func (a *App) shutdown() {
	grace := time.Duration(a.Cfg.App.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Feed != nil {
		a.Feed.Stop()
	}
	a.Bus.Stop()
	if a.Metrics != nil {
		if err := a.Metrics.Stop(ctx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("Redis close failed", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("Database close failed", "error", err)
	}
	a.Logger.Info("Trading server stopped")
}
