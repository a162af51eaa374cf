package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store used by tests and single-process dev
// mode. The claim compare-and-swap happens under the store lock, giving the
// same exclusivity guarantee the Postgres store gets from row locking.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*Job
	execs map[uuid.UUID]*Execution
	wfs   map[uuid.UUID]*Workflow
	wes   map[uuid.UUID]*WorkflowExecution
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[uuid.UUID]*Job),
		execs: make(map[uuid.UUID]*Execution),
		wfs:   make(map[uuid.UUID]*Workflow),
		wes:   make(map[uuid.UUID]*WorkflowExecution),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyJob(j *Job) *Job {
	out := *j
	return &out
}

func copyExecution(e *Execution) *Execution {
	out := *e
	return &out
}

func copyWorkflowExecution(we *WorkflowExecution) *WorkflowExecution {
	out := *we
	out.StepEvents = append([]StepEvent(nil), we.StepEvents...)
	return &out
}

func (s *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ClaimJobs(_ context.Context, claimant string, types []JobType, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := func(t JobType) bool {
		if len(types) == 0 {
			return true
		}
		for _, want := range types {
			if t == want {
				return true
			}
		}
		return false
	}

	var candidates []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && wanted(j.Type) {
			candidates = append(candidates, j)
		}
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return strings.Compare(candidates[i].ID.String(), candidates[k].ID.String()) < 0
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		if _, err := ApplyTransition(j, Transition{To: JobStatusClaimed, Claimant: claimant}); err != nil {
			return nil, err
		}
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id uuid.UUID, t Transition) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	changed, err := ApplyTransition(j, t)
	if err != nil {
		return nil, false, err
	}
	return copyJob(j), changed, nil
}

func (s *MemoryStore) AppendJobLogs(_ context.Context, id uuid.UUID, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	for _, line := range lines {
		j.Logs += line + "\n"
	}
	return nil
}

func (s *MemoryStore) ListStuckJobs(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*Job
	for _, j := range s.jobs {
		if j.Status != JobStatusClaimed && j.Status != JobStatusRunning {
			continue
		}
		ref := j.CreatedAt
		if j.StartedAt != nil {
			ref = *j.StartedAt
		}
		if ref.Before(cutoff) {
			stuck = append(stuck, copyJob(j))
		}
	}
	sort.Slice(stuck, func(i, k int) bool { return stuck[i].CreatedAt.Before(stuck[k].CreatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func (s *MemoryStore) ListJobsByWorkflowExecution(_ context.Context, weID uuid.UUID) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*Job
	for _, j := range s.jobs {
		if j.WorkflowExecutionID != nil && *j.WorkflowExecutionID == weID {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) DeleteJobsForEvent(_ context.Context, eventID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, j := range s.jobs {
		if j.EventID == eventID {
			delete(s.jobs, id)
			for execID, e := range s.execs {
				if e.JobID == id {
					delete(s.execs, execID)
				}
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[exec.JobID]; !ok {
		return ErrNotFound
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = JobStatusRunning
	}
	s.execs[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id uuid.UUID, upd ExecutionUpdate) (*Execution, *Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	applyExecutionUpdate(e, upd)

	var changedJob *Job
	if e.Status.Terminal() {
		var siblings []*Execution
		for _, sib := range s.execs {
			if sib.JobID == e.JobID {
				siblings = append(siblings, sib)
			}
		}
		if status, done := DeriveJobStatus(siblings); done {
			if j, ok := s.jobs[e.JobID]; ok && !j.Status.Terminal() {
				t := Transition{To: status, ExitCode: e.ExitCode, Output: e.Output}
				if status == JobStatusFailed {
					msg := "execution failed"
					if e.Error != nil {
						msg = *e.Error
					}
					t.Error = &msg
				}
				if changed, err := ApplyTransition(j, t); err == nil && changed {
					changedJob = copyJob(j)
				}
			}
		}
	}

	return copyExecution(e), changedJob, nil
}

func applyExecutionUpdate(e *Execution, upd ExecutionUpdate) {
	if upd.Status != "" {
		e.Status = upd.Status
	}
	if upd.StartedAt != nil {
		e.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		e.CompletedAt = upd.CompletedAt
	}
	if upd.ExitCode != nil {
		e.ExitCode = upd.ExitCode
	}
	if upd.Output != nil {
		e.Output = *upd.Output
	}
	if upd.Error != nil {
		e.Error = upd.Error
	}
	if upd.Metadata != nil {
		e.Metadata = upd.Metadata
	}
	if e.Status.Terminal() && e.CompletedAt == nil {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
}

func (s *MemoryStore) ListExecutionsByJob(_ context.Context, jobID uuid.UUID) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var execs []*Execution
	for _, e := range s.execs {
		if e.JobID == jobID {
			execs = append(execs, copyExecution(e))
		}
	}
	return execs, nil
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	copied := *wf
	copied.Steps = append([]Step(nil), wf.Steps...)
	s.wfs[wf.ID] = &copied
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id uuid.UUID) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.wfs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *wf
	copied.Steps = append([]Step(nil), wf.Steps...)
	return &copied, nil
}

func (s *MemoryStore) CreateWorkflowExecution(_ context.Context, we *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if we.ID == uuid.Nil {
		we.ID = uuid.New()
	}
	if we.StartedAt.IsZero() {
		we.StartedAt = time.Now().UTC()
	}
	if we.Status == "" {
		we.Status = WorkflowStatusRunning
	}
	s.wes[we.ID] = copyWorkflowExecution(we)
	return nil
}

func (s *MemoryStore) GetWorkflowExecution(_ context.Context, id uuid.UUID) (*WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	we, ok := s.wes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflowExecution(we), nil
}

func (s *MemoryStore) SetWorkflowStatus(_ context.Context, id uuid.UUID, status WorkflowStatus, event *StepEvent) (*WorkflowExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	we, ok := s.wes[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if we.Status.Terminal() {
		if we.Status == status {
			return copyWorkflowExecution(we), false, nil
		}
		return nil, false, ErrInvalidTransition
	}
	we.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		we.CompletedAt = &now
		we.Duration = now.Sub(we.StartedAt)
	}
	if event != nil {
		we.StepEvents = append(we.StepEvents, *event)
	}
	return copyWorkflowExecution(we), true, nil
}

func (s *MemoryStore) AppendStepEvent(_ context.Context, id uuid.UUID, event StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	we, ok := s.wes[id]
	if !ok {
		return ErrNotFound
	}
	we.StepEvents = append(we.StepEvents, event)
	return nil
}

func (s *MemoryStore) ListStuckWorkflowExecutions(_ context.Context, cutoff time.Time, limit int) ([]*WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*WorkflowExecution
	for _, we := range s.wes {
		if we.Status == WorkflowStatusRunning && we.CompletedAt == nil && we.StartedAt.Before(cutoff) {
			stuck = append(stuck, copyWorkflowExecution(we))
		}
	}
	sort.Slice(stuck, func(i, k int) bool { return stuck[i].StartedAt.Before(stuck[k].StartedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}
