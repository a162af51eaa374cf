package bus

import (
	"github.com/google/uuid"
)

// JobEvent is published on every job lifecycle transition.
type JobEvent struct {
	JobID               uuid.UUID  `json:"job_id"`
	WorkflowExecutionID *uuid.UUID `json:"workflow_execution_id,omitempty"`
	Status              string     `json:"status"`
	Claimant            string     `json:"claimant,omitempty"`
}

// WorkflowEvent is published when a workflow execution starts or reaches a
// terminal state.
type WorkflowEvent struct {
	WorkflowExecutionID uuid.UUID `json:"workflow_execution_id"`
	WorkflowID          uuid.UUID `json:"workflow_id"`
	Status              string    `json:"status"`
}
