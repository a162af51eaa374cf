// Package reaper sweeps jobs and workflow executions that stopped making
// progress, forcing them into terminal states so the queue never leaks work.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"dispatch/pkg/bus"
	"dispatch/pkg/queue"
)

const stuckJobError = "timed out: no response from executor"

// Config tunes sweep cadence and age cutoffs.
type Config struct {
	// Interval is the time between sweeps; the first sweep runs immediately.
	Interval time.Duration
	// MaxJobAge is how long a claimed or running job may go without finishing
	// before it is forced to failed.
	MaxJobAge time.Duration
	// MaxWorkflowAge is how long a workflow execution may stay running before
	// it is forced to timeout.
	MaxWorkflowAge time.Duration
	// BatchSize bounds how many stuck items one sweep processes per kind.
	BatchSize int
}

// DefaultConfig returns the production sweep defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		MaxJobAge:      15 * time.Minute,
		MaxWorkflowAge: 30 * time.Minute,
		BatchSize:      100,
	}
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxJobAge <= 0 {
		c.MaxJobAge = 15 * time.Minute
	}
	if c.MaxWorkflowAge <= 0 {
		c.MaxWorkflowAge = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Reaper periodically fails stuck jobs and times out stuck workflow
// executions. Each item is handled independently; one bad row never aborts
// the sweep.
type Reaper struct {
	store queue.Store
	bus   *bus.Bus
	cfg   Config
	log   zerolog.Logger

	reapedJobs      prometheus.Counter
	reapedWorkflows prometheus.Counter
	sweepErrors     prometheus.Counter
}

// New builds a Reaper registering its counters with reg (the default
// registerer when nil). The bus may be nil.
func New(store queue.Store, b *bus.Bus, cfg Config, log zerolog.Logger, reg prometheus.Registerer) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Reaper{
		store: store,
		bus:   b,
		cfg:   cfg.normalized(),
		log:   log.With().Str("component", "reaper").Logger(),
		reapedJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_reaped_jobs_total",
			Help: "Jobs forced to failed by the reaper",
		}),
		reapedWorkflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_reaped_workflow_executions_total",
			Help: "Workflow executions forced to timeout by the reaper",
		}),
		sweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_reaper_errors_total",
			Help: "Per-item errors encountered during sweeps",
		}),
	}, nil
}

// Start sweeps immediately, then on every tick until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	r.Sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over stuck jobs and stuck workflow executions.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	jobs := r.sweepJobs(ctx, now)
	workflows := r.sweepWorkflows(ctx, now)
	if jobs > 0 || workflows > 0 {
		r.log.Info().Int("jobs", jobs).Int("workflow_executions", workflows).Msg("sweep reaped stuck items")
	}
}

func (r *Reaper) sweepJobs(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.cfg.MaxJobAge)
	stuck, err := r.store.ListStuckJobs(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.sweepErrors.Inc()
		r.log.Error().Err(err).Msg("list stuck jobs")
		return 0
	}

	reaped := 0
	for _, job := range stuck {
		if r.reapJob(ctx, job) {
			reaped++
		}
	}
	return reaped
}

func (r *Reaper) reapJob(ctx context.Context, job *queue.Job) bool {
	msg := stuckJobError
	exitCode := -1
	updated, changed, err := r.store.TransitionJob(ctx, job.ID, queue.Transition{
		To:       queue.JobStatusFailed,
		Error:    &msg,
		ExitCode: &exitCode,
	})
	if err != nil {
		// The job may have finished between listing and transition; that race
		// is expected and only logged.
		r.sweepErrors.Inc()
		r.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("reap job")
		return false
	}
	if !changed {
		return false
	}

	r.reapedJobs.Inc()
	r.log.Warn().
		Str("job_id", job.ID.String()).
		Str("previous_status", string(job.Status)).
		Time("created_at", job.CreatedAt).
		Msg("reaped stuck job")
	r.publishJob(ctx, updated)
	return true
}

func (r *Reaper) sweepWorkflows(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.cfg.MaxWorkflowAge)
	stuck, err := r.store.ListStuckWorkflowExecutions(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.sweepErrors.Inc()
		r.log.Error().Err(err).Msg("list stuck workflow executions")
		return 0
	}

	reaped := 0
	for _, we := range stuck {
		if r.reapWorkflow(ctx, we) {
			reaped++
		}
	}
	return reaped
}

// reapWorkflow times out a stuck execution and cascades failure to its still
// live jobs so nothing keeps running for a workflow that already settled.
func (r *Reaper) reapWorkflow(ctx context.Context, we *queue.WorkflowExecution) bool {
	event := &queue.StepEvent{
		At:      time.Now().UTC(),
		Step:    "reaper",
		Message: fmt.Sprintf("workflow execution exceeded %s", r.cfg.MaxWorkflowAge),
	}
	updated, changed, err := r.store.SetWorkflowStatus(ctx, we.ID, queue.WorkflowStatusTimeout, event)
	if err != nil {
		r.sweepErrors.Inc()
		r.log.Warn().Err(err).Str("workflow_execution_id", we.ID.String()).Msg("reap workflow execution")
		return false
	}
	if !changed {
		return false
	}

	jobs, err := r.store.ListJobsByWorkflowExecution(ctx, we.ID)
	if err != nil {
		r.sweepErrors.Inc()
		r.log.Warn().Err(err).Str("workflow_execution_id", we.ID.String()).Msg("list jobs for reaped execution")
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		to := queue.JobStatusFailed
		if job.Status == queue.JobStatusQueued {
			to = queue.JobStatusCancelled
		}
		msg := stuckJobError
		exitCode := -1
		t := queue.Transition{To: to}
		if to == queue.JobStatusFailed {
			t.Error = &msg
			t.ExitCode = &exitCode
		}
		if _, _, err := r.store.TransitionJob(ctx, job.ID, t); err != nil {
			r.sweepErrors.Inc()
			r.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("cascade fail job")
		}
	}

	r.reapedWorkflows.Inc()
	r.log.Warn().
		Str("workflow_execution_id", we.ID.String()).
		Time("started_at", we.StartedAt).
		Msg("reaped stuck workflow execution")
	r.publishWorkflow(ctx, updated)
	return true
}

func (r *Reaper) publishJob(ctx context.Context, j *queue.Job) {
	if r.bus == nil {
		return
	}
	evt := bus.JobEvent{JobID: j.ID, WorkflowExecutionID: j.WorkflowExecutionID, Status: string(j.Status)}
	if err := r.bus.Publish(ctx, bus.SubjectJobFinished, evt); err != nil {
		r.log.Warn().Err(err).Str("job_id", j.ID.String()).Msg("publish reaped job event")
	}
}

func (r *Reaper) publishWorkflow(ctx context.Context, we *queue.WorkflowExecution) {
	if r.bus == nil {
		return
	}
	evt := bus.WorkflowEvent{WorkflowExecutionID: we.ID, WorkflowID: we.WorkflowID, Status: string(we.Status)}
	if err := r.bus.Publish(ctx, bus.SubjectWorkflowFinished, evt); err != nil {
		r.log.Warn().Err(err).Str("workflow_execution_id", we.ID.String()).Msg("publish reaped workflow event")
	}
}
