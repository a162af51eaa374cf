package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"dispatch/pkg/queue"
)

// Config tunes the poll loop.
type Config struct {
	// PollInterval is the time between claim requests when work was found;
	// empty polls also wait this long.
	PollInterval time.Duration
	// BatchSize is how many jobs one poll may claim.
	BatchSize int
	// Concurrency bounds how many jobs run at once.
	Concurrency int
	// Types restricts which job types this process claims. Empty means all.
	Types []queue.JobType
	// JobTimeout bounds a single job's execution.
	JobTimeout time.Duration
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    5,
		Concurrency:  4,
		JobTimeout:   10 * time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	return c
}

// Service is the orchestrator poll loop: claim, run, report.
type Service struct {
	client  *Client
	runners map[queue.JobType]Runner
	cfg     Config
	log     zerolog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewService wires a Service from its client and per-type runners.
func NewService(client *Client, runners map[queue.JobType]Runner, cfg Config, log zerolog.Logger) (*Service, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if len(runners) == 0 {
		return nil, errors.New("at least one runner is required")
	}
	cfg = cfg.normalized()

	// Claim only types we can actually run.
	if len(cfg.Types) == 0 {
		for t := range runners {
			cfg.Types = append(cfg.Types, t)
		}
	}
	for _, t := range cfg.Types {
		if _, ok := runners[t]; !ok {
			return nil, errors.New("no runner configured for job type " + string(t))
		}
	}

	return &Service{
		client:  client,
		runners: runners,
		cfg:     cfg,
		log:     log.With().Str("component", "executor").Str("orchestrator_id", client.OrchestratorID()).Logger(),
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to finish.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	jobs, err := s.client.Claim(ctx, s.cfg.BatchSize, s.cfg.Types)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("claim jobs")
		}
		return
	}
	if len(jobs) == 0 {
		return
	}

	s.log.Debug().Int("count", len(jobs)).Msg("claimed jobs")
	for _, job := range jobs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func(job *queue.Job) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.process(ctx, job)
		}(job)
	}
}

// process drives one claimed job through its full lifecycle. Every claimed
// job ends terminal: any error on the way is reported as a failure so the
// reaper never has to clean up after a live orchestrator.
func (s *Service) process(ctx context.Context, job *queue.Job) {
	log := s.log.With().Str("job_id", job.ID.String()).Str("type", string(job.Type)).Logger()

	if err := s.client.Start(ctx, job.ID); err != nil {
		log.Warn().Err(err).Msg("report job start")
		return
	}

	runner := s.runners[job.Type]
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	result, runErr := runner.Run(runCtx, job)
	cancel()

	if result != nil && result.Output != "" {
		lines := strings.Split(strings.TrimRight(result.Output, "\n"), "\n")
		if err := s.client.AppendLogs(ctx, job.ID, lines); err != nil {
			log.Warn().Err(err).Msg("ship job logs")
		}
	}

	if runErr != nil {
		var exitCode *int
		output := ""
		if result != nil {
			exitCode = &result.ExitCode
			output = result.Output
		}
		if err := s.client.Fail(ctx, job.ID, runErr.Error(), exitCode, output); err != nil {
			log.Error().Err(err).Msg("report job failure")
			return
		}
		log.Info().Err(runErr).Msg("job failed")
		return
	}

	if result == nil {
		result = &queue.JobResult{}
	}
	if err := s.client.Complete(ctx, job.ID, *result); err != nil {
		log.Error().Err(err).Msg("report job completion")
		return
	}
	log.Info().Msg("job completed")
}
