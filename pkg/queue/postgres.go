package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore persists the queue in Postgres. The claim path goes through
// pgx with FOR UPDATE SKIP LOCKED so concurrent orchestrators never receive
// the same job; everything else uses gorm with row locking.
type PostgresStore struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewPostgresStore wires a store around an existing pool and ORM handle.
func NewPostgresStore(pool *pgxpool.Pool, orm *gorm.DB) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &PostgresStore{pool: pool, orm: orm}, nil
}

var _ Store = (*PostgresStore)(nil)

type jobRow struct {
	ID                  uuid.UUID  `db:"id"`
	UserID              string     `db:"user_id"`
	EventID             string     `db:"event_id"`
	WorkflowExecutionID *uuid.UUID `db:"workflow_execution_id"`
	Type                string     `db:"type"`
	Payload             []byte     `db:"payload"`
	Status              string     `db:"status"`
	Claimant            *string    `db:"claimant"`
	Attempts            int        `db:"attempts"`
	CreatedAt           time.Time  `db:"created_at"`
	StartedAt           *time.Time `db:"started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
	LastError           *string    `db:"last_error"`
	ExitCode            *int       `db:"exit_code"`
	Output              string     `db:"output"`
	Metrics             []byte     `db:"metrics"`
	Logs                string     `db:"logs"`
}

const jobColumns = `id, user_id, event_id, workflow_execution_id, type, payload, status,
	claimant, attempts, created_at, started_at, completed_at, last_error, exit_code,
	output, metrics, logs`

func (r jobRow) toAPI() (*Job, error) {
	j := &Job{
		ID:                  r.ID,
		UserID:              r.UserID,
		EventID:             r.EventID,
		WorkflowExecutionID: r.WorkflowExecutionID,
		Type:                JobType(r.Type),
		Status:              JobStatus(r.Status),
		Claimant:            r.Claimant,
		Attempts:            r.Attempts,
		CreatedAt:           r.CreatedAt,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		LastError:           r.LastError,
		ExitCode:            r.ExitCode,
		Output:              r.Output,
		Logs:                r.Logs,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &j.Payload); err != nil {
			return nil, err
		}
	}
	if len(r.Metrics) > 0 {
		if err := json.Unmarshal(r.Metrics, &j.Metrics); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	model := jobToModel(job)
	return s.orm.WithContext(ctx).Create(&model).Error
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var m jobModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.toAPI(), nil
}

// ClaimJobs is the one mandatory synchronization point in the system: the
// inner SELECT takes row locks with SKIP LOCKED and the outer UPDATE re-checks
// status = queued, so a job moves to claimed exactly once.
func (s *PostgresStore) ClaimJobs(ctx context.Context, claimant string, types []JobType, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}

	var typeFilter []string
	for _, t := range types {
		typeFilter = append(typeFilter, string(t))
	}

	query := `
		UPDATE jobs SET status = 'claimed', claimant = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued'
			  AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'queued'
		RETURNING ` + jobColumns

	if typeFilter == nil {
		typeFilter = []string{}
	}

	var rows []jobRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, claimant, typeFilter, limit); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toAPI()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, t Transition) (*Job, bool, error) {
	var (
		job     *Job
		changed bool
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		job = m.toAPI()
		var err error
		changed, err = ApplyTransition(job, t)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		updated := jobToModel(job)
		return tx.Model(&jobModel{}).Where("id = ?", id).
			Select("status", "claimant", "attempts", "started_at", "completed_at",
				"last_error", "exit_code", "output", "metrics").
			Updates(&updated).Error
	})
	if err != nil {
		return nil, false, err
	}
	return job, changed, nil
}

func (s *PostgresStore) AppendJobLogs(ctx context.Context, id uuid.UUID, lines []string) error {
	chunk := ""
	for _, line := range lines {
		chunk += line + "\n"
	}
	res := s.orm.WithContext(ctx).Model(&jobModel{}).Where("id = ?", id).
		Update("logs", gorm.Expr("logs || ?", chunk))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN ('claimed', 'running')
		  AND COALESCE(started_at, created_at) < $1
		ORDER BY created_at, id
		LIMIT $2`

	var rows []jobRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, cutoff, limit); err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toAPI()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByWorkflowExecution(ctx context.Context, weID uuid.UUID) ([]*Job, error) {
	var models []jobModel
	err := s.orm.WithContext(ctx).
		Where("workflow_execution_id = ?", weID).
		Order("created_at, id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, m.toAPI())
	}
	return jobs, nil
}

func (s *PostgresStore) DeleteJobsForEvent(ctx context.Context, eventID string) (int64, error) {
	var deleted int64
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"DELETE FROM executions WHERE job_id IN (SELECT id FROM jobs WHERE event_id = ?)",
			eventID,
		).Error; err != nil {
			return err
		}
		res := tx.Where("event_id = ?", eventID).Delete(&jobModel{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = JobStatusRunning
	}
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent jobModel
		if err := tx.First(&parent, "id = ?", exec.JobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		model := executionToModel(exec)
		return tx.Create(&model).Error
	})
}

func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	var m executionModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.toAPI(), nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id uuid.UUID, upd ExecutionUpdate) (*Execution, *Job, error) {
	var (
		exec       *Execution
		changedJob *Job
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m executionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		exec = m.toAPI()
		applyExecutionUpdate(exec, upd)
		updated := executionToModel(exec)
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}

		if !exec.Status.Terminal() {
			return nil
		}

		var siblingModels []executionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", exec.JobID).Find(&siblingModels).Error; err != nil {
			return err
		}
		siblings := make([]*Execution, 0, len(siblingModels))
		for _, sm := range siblingModels {
			siblings = append(siblings, sm.toAPI())
		}

		status, done := DeriveJobStatus(siblings)
		if !done {
			return nil
		}

		var jm jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&jm, "id = ?", exec.JobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		job := jm.toAPI()
		if job.Status.Terminal() {
			return nil
		}

		t := Transition{To: status, ExitCode: exec.ExitCode, Output: exec.Output}
		if status == JobStatusFailed {
			msg := "execution failed"
			if exec.Error != nil {
				msg = *exec.Error
			}
			t.Error = &msg
		}
		changed, err := ApplyTransition(job, t)
		if err != nil || !changed {
			return err
		}

		jobUpdated := jobToModel(job)
		if err := tx.Model(&jobModel{}).Where("id = ?", job.ID).
			Select("status", "claimant", "started_at", "completed_at",
				"last_error", "exit_code", "output", "metrics").
			Updates(&jobUpdated).Error; err != nil {
			return err
		}
		changedJob = job
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return exec, changedJob, nil
}

func (s *PostgresStore) ListExecutionsByJob(ctx context.Context, jobID uuid.UUID) ([]*Execution, error) {
	var models []executionModel
	if err := s.orm.WithContext(ctx).Where("job_id = ?", jobID).Find(&models).Error; err != nil {
		return nil, err
	}
	execs := make([]*Execution, 0, len(models))
	for _, m := range models {
		execs = append(execs, m.toAPI())
	}
	return execs, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return err
	}
	model := workflowModel{
		ID:        wf.ID,
		UserID:    wf.UserID,
		Name:      wf.Name,
		Steps:     datatypes.JSON(steps),
		CreatedAt: wf.CreatedAt,
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var m workflowModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.toAPI()
}

func (s *PostgresStore) CreateWorkflowExecution(ctx context.Context, we *WorkflowExecution) error {
	if we.ID == uuid.Nil {
		we.ID = uuid.New()
	}
	if we.StartedAt.IsZero() {
		we.StartedAt = time.Now().UTC()
	}
	if we.Status == "" {
		we.Status = WorkflowStatusRunning
	}
	events, err := json.Marshal(we.StepEvents)
	if err != nil {
		return err
	}
	model := workflowExecutionModel{
		ID:         we.ID,
		WorkflowID: we.WorkflowID,
		Status:     string(we.Status),
		StartedAt:  we.StartedAt,
		StepEvents: datatypes.JSON(events),
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

func (s *PostgresStore) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error) {
	var m workflowExecutionModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.toAPI()
}

func (s *PostgresStore) SetWorkflowStatus(ctx context.Context, id uuid.UUID, status WorkflowStatus, event *StepEvent) (*WorkflowExecution, bool, error) {
	var (
		we      *WorkflowExecution
		changed bool
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m workflowExecutionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		current, err := m.toAPI()
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			if current.Status == status {
				we = current
				return nil
			}
			return ErrInvalidTransition
		}

		current.Status = status
		if status.Terminal() {
			now := time.Now().UTC()
			current.CompletedAt = &now
			current.Duration = now.Sub(current.StartedAt)
		}
		if event != nil {
			current.StepEvents = append(current.StepEvents, *event)
		}

		events, err := json.Marshal(current.StepEvents)
		if err != nil {
			return err
		}
		updates := map[string]any{
			"status":       string(current.Status),
			"completed_at": current.CompletedAt,
			"duration_ms":  current.Duration.Milliseconds(),
			"step_events":  datatypes.JSON(events),
		}
		if err := tx.Model(&workflowExecutionModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		we = current
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return we, changed, nil
}

func (s *PostgresStore) AppendStepEvent(ctx context.Context, id uuid.UUID, event StepEvent) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m workflowExecutionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		we, err := m.toAPI()
		if err != nil {
			return err
		}
		we.StepEvents = append(we.StepEvents, event)
		events, err := json.Marshal(we.StepEvents)
		if err != nil {
			return err
		}
		return tx.Model(&workflowExecutionModel{}).Where("id = ?", id).
			Update("step_events", datatypes.JSON(events)).Error
	})
}

func (s *PostgresStore) ListStuckWorkflowExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*WorkflowExecution, error) {
	var models []workflowExecutionModel
	err := s.orm.WithContext(ctx).
		Where("status = ? AND completed_at IS NULL AND started_at < ?", string(WorkflowStatusRunning), cutoff).
		Order("started_at, id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	wes := make([]*WorkflowExecution, 0, len(models))
	for _, m := range models {
		we, err := m.toAPI()
		if err != nil {
			return nil, err
		}
		wes = append(wes, we)
	}
	return wes, nil
}
