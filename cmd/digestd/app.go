package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	goredis "github.com/redis/go-redis/v9"

	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/admin"
	"github.com/livinlefevreloca/digestd/internal/archive"
	"github.com/livinlefevreloca/digestd/internal/config"
	"github.com/livinlefevreloca/digestd/internal/cron"
	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/delivery"
	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/metrics"
	"github.com/livinlefevreloca/digestd/internal/pipeline"
	"github.com/livinlefevreloca/digestd/internal/scheduler"
	"github.com/livinlefevreloca/digestd/internal/summarize"
)

// app holds every wired component of one process
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	database *db.DB
	ledger   *ledger.SQLLedger
	metrics  *metrics.Metrics
	archive  *archive.Store
	redis    goredis.UniversalClient
	sched    *scheduler.Scheduler
}

// openDatabase connects and applies migrations unless configured not to
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	applied, err := database.Migrate(ctx)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}
	return database, nil
}

// newApp wires the engine: store, ledger, collaborators, pipeline runner
// and scheduler. The scheduler is not started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		ledger:   ledger.NewSQL(database),
		metrics:  metrics.New(),
	}

	if cfg.Archive.Enabled {
		client, err := archive.NewClient(ctx, cfg.Archive)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect digest archive: %w", err)
		}
		a.redis = client
		a.archive = archive.NewStore(client, cfg.Archive)
		logger.Info("digest archive enabled", "ttl", cfg.Archive.TTL)
	}

	summarizer, err := summarize.New(cfg.Summarizer)
	if err != nil {
		a.close()
		return nil, err
	}
	logger.Info("summarizer configured", "provider", cfg.Summarizer.Provider, "model", cfg.Summarizer.Model)

	provider := activity.NewGitHubProvider(cfg.Activity.GitHub)
	httpClient := &http.Client{}

	deps := pipeline.Deps{
		Ledger:    a.ledger,
		Collector: activity.NewCollector(provider, cfg.Activity.Timeout, logger.With("component", "collector")),
		Composer:  digest.NewComposer(summarizer, cfg.Composer, logger.With("component", "composer")),
		Deliverer: delivery.NewDispatcher(httpClient, cfg.Delivery, logger.With("component", "dispatcher"), a.metrics),
		Metrics:   a.metrics,
	}
	if a.archive != nil {
		deps.Archiver = a.archive
	}
	runner := pipeline.NewRunner(deps, cfg.Pipeline, logger.With("component", "pipeline"))

	sched, err := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Store:     database,
		Ledger:    a.ledger,
		Executor:  runner,
		Evaluator: cron.NewEvaluator(cfg.Scheduler.CatchUpWindow),
		Metrics:   a.metrics,
	}, logger.With("component", "scheduler"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.sched = sched

	return a, nil
}

// adminServer builds the operator HTTP surface over the app
func (a *app) adminServer() *admin.Server {
	deps := admin.Deps{
		Scheduler: a.sched,
		Runs:      a.ledger,
		Metrics:   a.metrics.Handler(),
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	return admin.New(a.cfg.Admin, deps, a.logger.With("component", "admin"))
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if err := a.database.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}
