// Package workflow materializes workflow definitions into jobs and keeps the
// aggregate execution status in sync as those jobs finish.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatch/pkg/bus"
	"dispatch/pkg/queue"
)

// Engine owns the workflow side of the job state machine. Triggering creates
// one job per step; recomputation folds job outcomes back into the workflow
// execution.
type Engine struct {
	store queue.Store
	bus   *bus.Bus
	log   zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewEngine creates an Engine. The bus may be nil in single-process setups;
// recomputation then happens only through Recompute calls from the API layer.
func NewEngine(store queue.Store, b *bus.Bus, log zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Engine{
		store: store,
		bus:   b,
		log:   log.With().Str("component", "workflow").Logger(),
	}, nil
}

// Trigger starts a new execution of the workflow: it records the execution,
// creates one queued job per step with strictly increasing creation times so
// claim order follows step order, and publishes the started event.
func (e *Engine) Trigger(ctx context.Context, workflowID uuid.UUID, userID, eventID string) (*queue.WorkflowExecution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(wf.Steps) == 0 {
		return nil, errors.New("workflow has no steps")
	}

	we := &queue.WorkflowExecution{
		WorkflowID: wf.ID,
		Status:     queue.WorkflowStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateWorkflowExecution(ctx, we); err != nil {
		return nil, err
	}

	base := time.Now().UTC()
	for i, step := range wf.Steps {
		weID := we.ID
		job := &queue.Job{
			UserID:              userID,
			EventID:             eventID,
			WorkflowExecutionID: &weID,
			Type:                step.Type,
			Payload:             step.Payload,
			Status:              queue.JobStatusQueued,
			CreatedAt:           base.Add(time.Duration(i) * time.Microsecond),
		}
		if err := e.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("create job for step %q: %w", step.Key, err)
		}
		if err := e.store.AppendStepEvent(ctx, we.ID, queue.StepEvent{
			At:      time.Now().UTC(),
			Step:    step.Key,
			Message: "job queued",
		}); err != nil {
			return nil, err
		}
		e.publishJob(ctx, job)
	}

	e.publishWorkflow(ctx, bus.SubjectWorkflowStarted, we)
	e.log.Info().
		Str("workflow_id", wf.ID.String()).
		Str("workflow_execution_id", we.ID.String()).
		Int("steps", len(wf.Steps)).
		Msg("workflow triggered")

	return e.store.GetWorkflowExecution(ctx, we.ID)
}

// Recompute re-derives the aggregate status of a workflow execution from its
// jobs and persists it when it turned terminal. Failure cascades: when one job
// fails, still-live sibling jobs are cancelled so the execution settles
// immediately instead of waiting for work that no longer matters.
func (e *Engine) Recompute(ctx context.Context, weID uuid.UUID) (*queue.WorkflowExecution, error) {
	we, err := e.store.GetWorkflowExecution(ctx, weID)
	if err != nil {
		return nil, err
	}
	if we.Status.Terminal() {
		return we, nil
	}

	jobs, err := e.store.ListJobsByWorkflowExecution(ctx, weID)
	if err != nil {
		return nil, err
	}

	status := queue.AggregateJobs(jobs)
	if status == queue.WorkflowStatusRunning {
		return we, nil
	}

	if status == queue.WorkflowStatusFailure {
		e.cancelLiveJobs(ctx, jobs)
	}

	event := &queue.StepEvent{
		At:      time.Now().UTC(),
		Step:    "aggregate",
		Message: fmt.Sprintf("workflow execution %s", status),
	}
	updated, changed, err := e.store.SetWorkflowStatus(ctx, weID, status, event)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			// Lost the race to another recompute; the stored status wins.
			return e.store.GetWorkflowExecution(ctx, weID)
		}
		return nil, err
	}
	if changed {
		e.publishWorkflow(ctx, bus.SubjectWorkflowFinished, updated)
		e.log.Info().
			Str("workflow_execution_id", weID.String()).
			Str("status", string(status)).
			Msg("workflow execution finished")
	}
	return updated, nil
}

// cancelLiveJobs best-effort cancels queued jobs of a failed execution.
// Claimed and running jobs are left for their orchestrator or the reaper.
func (e *Engine) cancelLiveJobs(ctx context.Context, jobs []*queue.Job) {
	for _, j := range jobs {
		if j.Status != queue.JobStatusQueued {
			continue
		}
		if _, _, err := e.store.TransitionJob(ctx, j.ID, queue.Transition{To: queue.JobStatusCancelled}); err != nil {
			e.log.Warn().Err(err).Str("job_id", j.ID.String()).Msg("cancel sibling job")
		}
	}
}

// Start subscribes to job lifecycle events so finished jobs trigger a
// recompute of their parent execution.
func (e *Engine) Start(ctx context.Context) error {
	if e.bus == nil {
		return errors.New("bus is required")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	closer, err := e.bus.Subscribe(ctx, bus.SubjectJobFinished, "workflow-jobs-finished", e.handleJobFinished)
	if err != nil {
		return err
	}
	e.subsMu.Lock()
	e.subs = append(e.subs, closer)
	e.subsMu.Unlock()
	return nil
}

// Close tears down active subscriptions.
func (e *Engine) Close() error {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	var firstErr error
	for _, sub := range e.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.subs = nil
	return firstErr
}

func (e *Engine) handleJobFinished(ctx context.Context, data []byte) error {
	var evt bus.JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.WorkflowExecutionID == nil {
		return nil
	}
	_, err := e.Recompute(ctx, *evt.WorkflowExecutionID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) publishJob(ctx context.Context, j *queue.Job) {
	if e.bus == nil {
		return
	}
	evt := bus.JobEvent{JobID: j.ID, WorkflowExecutionID: j.WorkflowExecutionID, Status: string(j.Status)}
	if err := e.bus.Publish(ctx, bus.SubjectJobQueued, evt); err != nil {
		e.log.Warn().Err(err).Str("job_id", j.ID.String()).Msg("publish job event")
	}
}

func (e *Engine) publishWorkflow(ctx context.Context, subject string, we *queue.WorkflowExecution) {
	if e.bus == nil {
		return
	}
	evt := bus.WorkflowEvent{WorkflowExecutionID: we.ID, WorkflowID: we.WorkflowID, Status: string(we.Status)}
	if err := e.bus.Publish(ctx, subject, evt); err != nil {
		e.log.Warn().Err(err).Str("workflow_execution_id", we.ID.String()).Msg("publish workflow event")
	}
}
