package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"dispatch/pkg/bus"
	"dispatch/pkg/db"
	"dispatch/pkg/health"
	"dispatch/pkg/queue"
	"dispatch/pkg/telemetry"
	"dispatch/services/api"
	"dispatch/services/reaper"
	"dispatch/services/workflow"
)

type config struct {
	Addr          string `env:"ADDR,default=:8080"`
	DBDSN         string `env:"DB_DSN"`
	NATSURL       string `env:"NATS_URL"`
	InternalToken string `env:"INTERNAL_TOKEN,required"`
	MaxClaimBatch int    `env:"MAX_CLAIM_BATCH,default=50"`

	ReaperInterval time.Duration `env:"REAPER_INTERVAL,default=5m"`
	MaxJobAge      time.Duration `env:"JOB_MAX_AGE,default=15m"`
	MaxWorkflowAge time.Duration `env:"WORKFLOW_MAX_AGE,default=30m"`
	ReaperBatch    int           `env:"REAPER_BATCH_SIZE,default=100"`

	HealthMinSamples      int           `env:"HEALTH_MIN_SAMPLES,default=5"`
	HealthSummaryInterval time.Duration `env:"HEALTH_SUMMARY_INTERVAL,default=1m"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	log := telemetry.NewLogger("dispatchd")

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTelemetry, httpMiddleware, err := telemetry.Init(ctx, "dispatchd", log)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	// Without a DSN the daemon runs on the in-memory store; state does not
	// survive restarts, which is fine for local development.
	var store queue.Store
	if cfg.DBDSN != "" {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("migrate database")
		}

		orm, err := db.OpenORM(cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open orm")
		}

		store, err = queue.NewPostgresStore(pool, orm)
		if err != nil {
			log.Fatal().Err(err).Msg("create store")
		}
	} else {
		log.Warn().Msg("DB_DSN not set, using in-memory store")
		store = queue.NewMemoryStore()
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL, nats.Name("dispatchd"))
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
	} else {
		log.Warn().Msg("NATS_URL not set, lifecycle events disabled")
	}

	monitor := health.NewMonitor(health.Config{
		MinSamples:      cfg.HealthMinSamples,
		SummaryInterval: cfg.HealthSummaryInterval,
	}, log, nil)

	engine, err := workflow.NewEngine(store, eventBus, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create workflow engine")
	}
	if eventBus != nil {
		if err := engine.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start workflow engine")
		}
		defer engine.Close()
	}

	sweeper, err := reaper.New(store, eventBus, reaper.Config{
		Interval:       cfg.ReaperInterval,
		MaxJobAge:      cfg.MaxJobAge,
		MaxWorkflowAge: cfg.MaxWorkflowAge,
		BatchSize:      cfg.ReaperBatch,
	}, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("create reaper")
	}

	app, err := api.New(store, engine, eventBus, monitor, api.Config{
		InternalToken: cfg.InternalToken,
		MaxClaimBatch: cfg.MaxClaimBatch,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create api")
	}

	routes, err := app.Routes()
	if err != nil {
		log.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpMiddleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sweeper.Start(groupCtx) })
	group.Go(func() error { return monitor.Start(groupCtx) })
	group.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("starting dispatchd")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("dispatchd exited")
	}
}
