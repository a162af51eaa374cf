package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionUpdate carries the mutable fields of an execution attempt. Nil
// fields are left untouched.
type ExecutionUpdate struct {
	Status      JobStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	Output      *string
	Error       *string
	Metadata    map[string]any
}

// Store is the persisted source of truth for jobs, executions, and workflow
// executions. Claiming is the single operation that must be atomic across
// concurrent callers; every other method only needs idempotent semantics.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ClaimJobs atomically moves up to limit queued jobs of the given types to
	// claimed, stamped with the claimant id. Two concurrent calls never
	// receive the same job. Selection is oldest-created-first, ties by id.
	ClaimJobs(ctx context.Context, claimant string, types []JobType, limit int) ([]*Job, error)

	// TransitionJob applies t to the job under the state machine. The bool
	// reports whether the job actually changed; idempotent re-delivery of a
	// terminal state returns (job, false, nil).
	TransitionJob(ctx context.Context, id uuid.UUID, t Transition) (*Job, bool, error)

	AppendJobLogs(ctx context.Context, id uuid.UUID, lines []string) error

	// ListStuckJobs returns claimed/running jobs whose startedAt (createdAt if
	// never started) is older than cutoff, bounded by limit.
	ListStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	ListJobsByWorkflowExecution(ctx context.Context, workflowExecutionID uuid.UUID) ([]*Job, error)

	// DeleteJobsForEvent removes all jobs owned by an event. This is the only
	// deletion path; it exists for explicit user-initiated cleanup cascades.
	DeleteJobsForEvent(ctx context.Context, eventID string) (int64, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)

	// UpdateExecution applies upd and, when the update makes every execution
	// of the parent job terminal, re-derives and persists the parent job's
	// status through the state machine. The returned job is non-nil only when
	// the parent changed.
	UpdateExecution(ctx context.Context, id uuid.UUID, upd ExecutionUpdate) (*Execution, *Job, error)

	ListExecutionsByJob(ctx context.Context, jobID uuid.UUID) ([]*Execution, error)

	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)

	CreateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error)

	// SetWorkflowStatus transitions a workflow execution, stamping completion
	// time and duration for terminal states and appending event when non-nil.
	// Re-delivery of the current terminal status is a no-op.
	SetWorkflowStatus(ctx context.Context, id uuid.UUID, status WorkflowStatus, event *StepEvent) (*WorkflowExecution, bool, error)

	AppendStepEvent(ctx context.Context, id uuid.UUID, event StepEvent) error

	// ListStuckWorkflowExecutions returns running workflow executions started
	// before cutoff, bounded by limit.
	ListStuckWorkflowExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*WorkflowExecution, error)
}
