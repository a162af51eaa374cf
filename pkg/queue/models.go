package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type jobModel struct {
	ID                  uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserID              string            `gorm:"type:text;not null;index"`
	EventID             string            `gorm:"type:text;index"`
	WorkflowExecutionID *uuid.UUID        `gorm:"type:uuid;index"`
	Type                string            `gorm:"type:text;not null;index"`
	Payload             datatypes.JSONMap `gorm:"type:jsonb"`
	Status              string            `gorm:"type:text;not null;index"`
	Claimant            *string           `gorm:"type:text"`
	Attempts            int               `gorm:"not null;default:0"`
	CreatedAt           time.Time         `gorm:"type:timestamptz;not null"`
	StartedAt           *time.Time        `gorm:"type:timestamptz"`
	CompletedAt         *time.Time        `gorm:"type:timestamptz"`
	LastError           *string           `gorm:"type:text"`
	ExitCode            *int
	Output              string            `gorm:"type:text"`
	Metrics             datatypes.JSONMap `gorm:"type:jsonb"`
	Logs                string            `gorm:"type:text"`
}

func (jobModel) TableName() string { return "jobs" }

func (m jobModel) toAPI() *Job {
	return &Job{
		ID:                  m.ID,
		UserID:              m.UserID,
		EventID:             m.EventID,
		WorkflowExecutionID: m.WorkflowExecutionID,
		Type:                JobType(m.Type),
		Payload:             m.Payload,
		Status:              JobStatus(m.Status),
		Claimant:            m.Claimant,
		Attempts:            m.Attempts,
		CreatedAt:           m.CreatedAt,
		StartedAt:           m.StartedAt,
		CompletedAt:         m.CompletedAt,
		LastError:           m.LastError,
		ExitCode:            m.ExitCode,
		Output:              m.Output,
		Metrics:             m.Metrics,
		Logs:                m.Logs,
	}
}

func jobToModel(j *Job) jobModel {
	return jobModel{
		ID:                  j.ID,
		UserID:              j.UserID,
		EventID:             j.EventID,
		WorkflowExecutionID: j.WorkflowExecutionID,
		Type:                string(j.Type),
		Payload:             datatypes.JSONMap(j.Payload),
		Status:              string(j.Status),
		Claimant:            j.Claimant,
		Attempts:            j.Attempts,
		CreatedAt:           j.CreatedAt,
		StartedAt:           j.StartedAt,
		CompletedAt:         j.CompletedAt,
		LastError:           j.LastError,
		ExitCode:            j.ExitCode,
		Output:              j.Output,
		Metrics:             datatypes.JSONMap(j.Metrics),
		Logs:                j.Logs,
	}
}

type executionModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID         `gorm:"type:uuid;not null;index"`
	ServerID    *string           `gorm:"type:text"`
	Status      string            `gorm:"type:text;not null"`
	StartedAt   *time.Time        `gorm:"type:timestamptz"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	ExitCode    *int
	Output      string            `gorm:"type:text"`
	Error       *string           `gorm:"type:text"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
}

func (executionModel) TableName() string { return "executions" }

func (m executionModel) toAPI() *Execution {
	return &Execution{
		ID:          m.ID,
		JobID:       m.JobID,
		ServerID:    m.ServerID,
		Status:      JobStatus(m.Status),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		ExitCode:    m.ExitCode,
		Output:      m.Output,
		Error:       m.Error,
		Metadata:    m.Metadata,
	}
}

func executionToModel(e *Execution) executionModel {
	return executionModel{
		ID:          e.ID,
		JobID:       e.JobID,
		ServerID:    e.ServerID,
		Status:      string(e.Status),
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		ExitCode:    e.ExitCode,
		Output:      e.Output,
		Error:       e.Error,
		Metadata:    datatypes.JSONMap(e.Metadata),
	}
}

type workflowModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"type:text;not null;index"`
	Name      string         `gorm:"type:text;not null"`
	Steps     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null"`
}

func (workflowModel) TableName() string { return "workflows" }

func (m workflowModel) toAPI() (*Workflow, error) {
	var steps []Step
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &steps); err != nil {
			return nil, err
		}
	}
	return &Workflow{
		ID:        m.ID,
		UserID:    m.UserID,
		Name:      m.Name,
		Steps:     steps,
		CreatedAt: m.CreatedAt,
	}, nil
}

type workflowExecutionModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowID  uuid.UUID      `gorm:"type:uuid;not null;index"`
	Status      string         `gorm:"type:text;not null;index"`
	StartedAt   time.Time      `gorm:"type:timestamptz;not null"`
	CompletedAt *time.Time     `gorm:"type:timestamptz"`
	DurationMS  int64          `gorm:"not null;default:0"`
	StepEvents  datatypes.JSON `gorm:"type:jsonb"`
}

func (workflowExecutionModel) TableName() string { return "workflow_executions" }

func (m workflowExecutionModel) toAPI() (*WorkflowExecution, error) {
	var events []StepEvent
	if len(m.StepEvents) > 0 {
		if err := json.Unmarshal(m.StepEvents, &events); err != nil {
			return nil, err
		}
	}
	return &WorkflowExecution{
		ID:          m.ID,
		WorkflowID:  m.WorkflowID,
		Status:      WorkflowStatus(m.Status),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		Duration:    time.Duration(m.DurationMS) * time.Millisecond,
		StepEvents:  events,
	}, nil
}
