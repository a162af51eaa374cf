package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"dispatch/pkg/health"
	"dispatch/pkg/queue"
	"dispatch/pkg/retry"
	"dispatch/pkg/telemetry"
	"dispatch/services/executor"
)

type config struct {
	APIBaseURL     string        `env:"API_BASE_URL,required"`
	InternalToken  string        `env:"INTERNAL_TOKEN,required"`
	OrchestratorID string        `env:"ORCHESTRATOR_ID"`
	PollInterval   time.Duration `env:"POLL_INTERVAL,default=5s"`
	BatchSize      int           `env:"BATCH_SIZE,default=5"`
	Concurrency    int           `env:"CONCURRENCY,default=4"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT,default=10m"`
	JobTypes       []string      `env:"JOB_TYPES"`
	WorkDir        string        `env:"WORK_DIR,default=/tmp"`

	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY,default=1s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY,default=30s"`
	RetryStrategy     string        `env:"RETRY_STRATEGY,default=exponential"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	log := telemetry.NewLogger("executord")

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	orchestratorID := cfg.OrchestratorID
	if orchestratorID == "" {
		host, _ := os.Hostname()
		orchestratorID = host + "-" + uuid.NewString()[:8]
	}

	client, err := executor.NewClient(cfg.APIBaseURL, cfg.InternalToken, orchestratorID)
	if err != nil {
		log.Fatal().Err(err).Msg("create client")
	}

	monitor := health.NewMonitor(health.DefaultConfig(), log, nil)
	policy := retry.Policy{
		Strategy:     retry.Strategy(cfg.RetryStrategy),
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}

	runners := map[queue.JobType]executor.Runner{
		queue.JobTypeScript:     executor.NewScriptRunner(cfg.WorkDir),
		queue.JobTypeToolAction: executor.NewToolActionRunner(monitor, policy, log),
		queue.JobTypeHTTP:       executor.NewHTTPRunner(),
	}

	var types []queue.JobType
	for _, raw := range cfg.JobTypes {
		if t := strings.TrimSpace(raw); t != "" {
			types = append(types, queue.JobType(t))
		}
	}

	svc, err := executor.NewService(client, runners, executor.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		Types:        types,
		JobTimeout:   cfg.JobTimeout,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create service")
	}

	go func() {
		if err := monitor.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("health summary loop")
		}
	}()

	log.Info().Str("orchestrator_id", orchestratorID).Str("api", cfg.APIBaseURL).Msg("starting executord")
	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("executord exited")
	}
}
