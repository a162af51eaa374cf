package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Workflow struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"type:text;not null;index"`
	Name      string         `gorm:"type:text;not null"`
	Steps     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Workflow) TableName() string { return "workflows" }

type WorkflowExecution struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	WorkflowID  uuid.UUID      `gorm:"type:uuid;not null;index"`
	Status      string         `gorm:"type:text;not null;index"`
	StartedAt   time.Time      `gorm:"type:timestamptz;not null"`
	CompletedAt *time.Time     `gorm:"type:timestamptz"`
	DurationMS  int64          `gorm:"not null;default:0"`
	StepEvents  datatypes.JSON `gorm:"type:jsonb"`
	Workflow    Workflow       `gorm:"foreignKey:WorkflowID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (WorkflowExecution) TableName() string { return "workflow_executions" }

type Job struct {
	ID                  uuid.UUID          `gorm:"type:uuid;primaryKey"`
	UserID              string             `gorm:"type:text;not null;index"`
	EventID             string             `gorm:"type:text;index"`
	WorkflowExecutionID *uuid.UUID         `gorm:"type:uuid;index"`
	Type                string             `gorm:"type:text;not null;index"`
	Payload             datatypes.JSONMap  `gorm:"type:jsonb"`
	Status              string             `gorm:"type:text;not null;index"`
	Claimant            *string            `gorm:"type:text"`
	Attempts            int                `gorm:"not null;default:0"`
	CreatedAt           time.Time          `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	StartedAt           *time.Time         `gorm:"type:timestamptz"`
	CompletedAt         *time.Time         `gorm:"type:timestamptz"`
	LastError           *string            `gorm:"type:text"`
	ExitCode            *int
	Output              string             `gorm:"type:text"`
	Metrics             datatypes.JSONMap  `gorm:"type:jsonb"`
	Logs                string             `gorm:"type:text;not null;default:''"`
	WorkflowExecution   *WorkflowExecution `gorm:"foreignKey:WorkflowExecutionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

func (Job) TableName() string { return "jobs" }

type Execution struct {
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
	Job         Job               `gorm:"foreignKey:JobID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Execution) TableName() string { return "executions" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Workflow{},
		&WorkflowExecution{},
		&Job{},
		&Execution{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&WorkflowExecution{}, "Workflow"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Job{}, "WorkflowExecution"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Execution{}, "Job"); err != nil {
		return err
	}

	// Partial index backing the claim query's queued scan.
	return gormDB.WithContext(ctx).Exec(
		"CREATE INDEX IF NOT EXISTS idx_jobs_queued ON jobs (created_at, id) WHERE status = 'queued'",
	).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Execution{},
		&Job{},
		&WorkflowExecution{},
		&Workflow{},
	); err != nil {
		return err
	}

	return nil
}
