// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/domain/ports/repository"
	"crm-enrichment/internal/infra/adapters/backend"
	"crm-enrichment/internal/infra/api"
	"crm-enrichment/internal/infra/api/apiv1"
	pg "crm-enrichment/internal/infra/db/postgres"
	"crm-enrichment/internal/infra/i18n"
	"crm-enrichment/internal/infra/logging"
	"crm-enrichment/internal/infra/metrics"
	red "crm-enrichment/internal/infra/redis"
	"crm-enrichment/internal/infra/sched"
	"crm-enrichment/internal/infra/scheduler"
	"crm-enrichment/internal/infra/worker"
	"crm-enrichment/internal/usecase"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

var errMissingSecret = errors.New("api.jwt_secret is required outside dev mode")

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, optional auth)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		l.Fatal().Err(err).Str("path", *cfgPath).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("bye")
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	checks := map[string]api.HealthCheck{}

	// ---- Redis (optional) ----
	var (
		rc        *red.Client
		snapshots repository.SnapshotStore
		limiter   apiv1.SubmitLimiter
	)
	if cfg.Redis.URL != "" {
		var err error
		rc, err = red.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer rc.Close()
		snapshots = red.NewSnapshotStore(rc, cfg.Redis.TTL)
		limiter = red.NewRateLimiter(rc)
		checks["redis"] = rc.Ping
	} else {
		logger.Warn().Msg("redis not configured; snapshots live in memory only")
	}

	g, gctx := errgroup.WithContext(ctx)

	// ---- Postgres (optional) ----
	var (
		records repository.JobRecordRepository
		txm     repository.TransactionManager
	)
	if cfg.Database.URL != "" {
		pool, err := pg.Connect(ctx, &cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		records = pg.NewEnrichmentJobRepo(pool)
		txm = pg.NewTxManager(pool)
		if rc != nil {
			records = pg.NewJobRecordCacheDecorator(records, rc, cfg.Redis.HistoryTTL)
		}
		checks["postgres"] = pool.Ping
		g.Go(func() error {
			pg.ReportPoolStats(gctx, pool, 15*time.Second)
			return nil
		})
	} else {
		logger.Warn().Msg("database not configured; job history is disabled")
	}

	// ---- Backend + pollers ----
	client, err := backend.NewClient(cfg.Backend, logger)
	if err != nil {
		return err
	}
	var fetchLimiter *rate.Limiter
	if cfg.Backend.RateLimitRPS > 0 {
		burst := int(math.Ceil(cfg.Backend.RateLimitRPS))
		fetchLimiter = rate.NewLimiter(rate.Limit(cfg.Backend.RateLimitRPS), burst)
	}
	workflows := make([]usecase.Workflow, 0, len(cfg.Workflows))
	for _, name := range cfg.WorkflowNames() {
		wc := cfg.Workflows[name]
		wb := client.Workflow(name, wc)
		workflows = append(workflows, usecase.Workflow{
			Name:     name,
			Budget:   wc.Budget(),
			Resolver: usecase.NewStateResolver(wc.FoundPath),
			Backend:  wb,
			Poller:   sched.NewStatusPoller(name, wb, fetchLimiter, logger),
		})
		logger.Info().Str("workflow", name).Int("max_attempts", wc.MaxAttempts).
			Dur("interval", wc.PollInterval).Msg("workflow registered")
	}

	// ---- Persistence workers ----
	persist := worker.NewPool(cfg.Persist.Workers, logger)
	persist.Start(context.WithoutCancel(ctx))

	trackers, err := usecase.NewTrackerUseCase(usecase.RegistryConfig{
		Workflows: workflows,
		Snapshots: snapshots,
		Records:   records,
		Tx:        txm,
		// negative keeps everything, which the registry spells as 0
		HistoryKeep: max(cfg.Database.HistoryKeep, 0),
		Runner:      persist,
		IdleTTL:     cfg.Sweeper.IdleTTL,
		Logger:      logger,
	})
	if err != nil {
		persist.Stop()
		return err
	}

	sweeper := scheduler.NewScheduler(cfg.Sweeper.Interval, trackers, logger)
	sweeper.Start(gctx)

	// ---- HTTP ----
	var auth *api.AuthManager
	switch {
	case cfg.API.JWTSecret != "":
		auth = api.NewAuthManager(cfg.API.JWTSecret)
	case cfg.Runtime.Dev:
		logger.Warn().Msg("api.jwt_secret not set; API is open (dev mode)")
	default:
		sweeper.Stop()
		trackers.Close()
		persist.Stop()
		return errMissingSecret
	}
	messages, err := i18n.LoadCatalog(i18n.LocalesFS, cfg.API.Language)
	if err != nil {
		sweeper.Stop()
		trackers.Close()
		persist.Stop()
		return err
	}
	router := api.NewRouter(cfg.API, api.Deps{
		Trackers: trackers,
		Messages: messages,
		Auth:     auth,
		Limiter:  limiter,
		Checks:   checks,
		Logger:   logger,
	})
	srv := api.NewServer(cfg.API, router, logger)
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()

	// Stop polling first, then flush the persistence queue before the stores close.
	sweeper.Stop()
	trackers.Close()
	persist.Stop()
	return err
}
