// Package bootstrap assembles the components shared by the binaries.
package bootstrap

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/config"
	"github.com/leozw/compliance-guardian/internal/db"
	"github.com/leozw/compliance-guardian/internal/delivery"
	"github.com/leozw/compliance-guardian/internal/integrations"
	"github.com/leozw/compliance-guardian/internal/metrics"
	"github.com/leozw/compliance-guardian/internal/notify"
	"github.com/leozw/compliance-guardian/internal/outbox"
	"github.com/leozw/compliance-guardian/internal/rules"
	"github.com/leozw/compliance-guardian/internal/runs"
	"github.com/leozw/compliance-guardian/internal/scheduler"
	"github.com/leozw/compliance-guardian/internal/storage/redis"
)

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Database *sqlx.DB
	Repo     *db.Repository
	Cache    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Coordinator  *runs.Coordinator
	Enqueuer     *outbox.Enqueuer
	Outbox       *outbox.Processor
	Integrations *integrations.Dispatcher
	Scheduler    *scheduler.Scheduler
}

// New connects to Postgres and Redis, applies migrations when enabled and
// builds every component from cfg.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(database); err != nil {
			database.Close()
			return nil, err
		}
	}

	repo := db.NewRepository(database)
	cache := redis.NewClient(cfg.Redis.URL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry, cfg.Mimir, logger)

	client := delivery.NewHTTPClient(cfg.HTTP.Timeout)

	enqueuer := outbox.NewEnqueuer(repo, logger)
	coordinator := runs.NewCoordinator(repo, rules.NewEvaluator(repo), enqueuer, cfg.Windows.Location(), logger, collector)

	notifier := notify.NewDispatcher(client, notify.NewMailer(cfg.Mail, cfg.HTTP.Timeout, logger), repo, logger, collector)
	settings := redis.NewSettingsCache(cache, repo, cfg.Redis.SettingsTTL, logger)
	processor := outbox.NewProcessor(repo, settings, notifier, outbox.Options{
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		ClaimTimeout: cfg.Outbox.ClaimTimeout,
	}, logger, collector)

	dispatcher := integrations.NewDispatcher(repo, integrations.DefaultTransports(client), integrations.Options{
		BatchSize:     cfg.Integrations.BatchSize,
		MaxAttempts:   cfg.Integrations.MaxAttempts,
		RatePerSecond: cfg.Integrations.RatePerSecond,
		Burst:         cfg.Integrations.Burst,
	}, logger, collector)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Database:     database,
		Repo:         repo,
		Cache:        cache,
		Registry:     registry,
		Metrics:      collector,
		Coordinator:  coordinator,
		Enqueuer:     enqueuer,
		Outbox:       processor,
		Integrations: dispatcher,
		Scheduler:    scheduler.NewScheduler(coordinator, repo, cfg.Scheduler.WorkerCount, logger, collector),
	}, nil
}

func (a *App) Close() {
	if err := a.Cache.Close(); err != nil {
		a.Logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if err := a.Database.Close(); err != nil {
		a.Logger.Warn("Failed to close database", zap.Error(err))
	}
}
