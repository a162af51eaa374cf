package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobType selects the execution machinery an orchestrator uses for a job.
type JobType string

const (
	JobTypeScript     JobType = "script"
	JobTypeToolAction JobType = "tool_action"
	JobTypeHTTP       JobType = "http_request"
)

// JobStatus is the lifecycle state of a job. Transitions are validated by
// ApplyTransition; see state.go for the allowed edges.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// WorkflowStatus is the aggregate state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusRunning WorkflowStatus = "running"
	WorkflowStatusSuccess WorkflowStatus = "success"
	WorkflowStatusFailure WorkflowStatus = "failure"
	WorkflowStatusTimeout WorkflowStatus = "timeout"
)

// Terminal reports whether s is a final state.
func (s WorkflowStatus) Terminal() bool {
	return s != WorkflowStatusRunning
}

// Job is a single unit of dispatchable work tracked by the control plane.
type Job struct {
	ID                  uuid.UUID      `json:"id"`
	UserID              string         `json:"user_id"`
	EventID             string         `json:"event_id"`
	WorkflowExecutionID *uuid.UUID     `json:"workflow_execution_id,omitempty"`
	Type                JobType        `json:"type"`
	Payload             map[string]any `json:"payload"`
	Status              JobStatus      `json:"status"`
	Claimant            *string        `json:"claimant,omitempty"`
	Attempts            int            `json:"attempts"`
	CreatedAt           time.Time      `json:"created_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	LastError           *string        `json:"last_error,omitempty"`
	ExitCode            *int           `json:"exit_code,omitempty"`
	Output              string         `json:"output,omitempty"`
	Metrics             map[string]any `json:"metrics,omitempty"`
	Logs                string         `json:"logs,omitempty"`
}

// Execution is one concrete attempt to carry out a job. A job may fan out to
// several executions when it targets multiple servers.
type Execution struct {
	ID          uuid.UUID      `json:"id"`
	JobID       uuid.UUID      `json:"job_id"`
	ServerID    *string        `json:"server_id,omitempty"`
	Status      JobStatus      `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepEvent is one entry in a workflow execution's ordered event log.
type StepEvent struct {
	At      time.Time `json:"at"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
}

// WorkflowExecution is one instance of running a workflow definition.
type WorkflowExecution struct {
	ID          uuid.UUID      `json:"id"`
	WorkflowID  uuid.UUID      `json:"workflow_id"`
	Status      WorkflowStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	StepEvents  []StepEvent    `json:"step_events,omitempty"`
}

// Step is a single node in a workflow definition.
type Step struct {
	Key     string         `json:"key" yaml:"key"`
	Name    string         `json:"name" yaml:"name"`
	Type    JobType        `json:"type" yaml:"type"`
	Payload map[string]any `json:"payload" yaml:"payload"`
}

// Workflow is a stored workflow definition.
type Workflow struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResult carries the terminal outcome reported by an orchestrator.
type JobResult struct {
	ExitCode int            `json:"exit_code"`
	Output   string         `json:"output"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}
