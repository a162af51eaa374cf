package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seedQueued(t *testing.T, s *MemoryStore, n int, typ JobType) []*Job {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := make([]*Job, 0, n)
	for i := 0; i < n; i++ {
		j := &Job{
			UserID:    "user-1",
			EventID:   "event-1",
			Type:      typ,
			Status:    JobStatusQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateJob(context.Background(), j); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, j)
	}
	return jobs
}

func TestClaimJobsOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	seeded := seedQueued(t, s, 5, JobTypeScript)

	claimed, err := s.ClaimJobs(context.Background(), "orch-1", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(claimed))
	}
	for i, j := range claimed {
		if j.ID != seeded[i].ID {
			t.Fatalf("claimed[%d] = %s, want %s (oldest first)", i, j.ID, seeded[i].ID)
		}
		if j.Status != JobStatusClaimed {
			t.Fatalf("status = %s, want claimed", j.Status)
		}
		if j.Claimant == nil || *j.Claimant != "orch-1" {
			t.Fatalf("claimant = %v, want orch-1", j.Claimant)
		}
		if j.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1", j.Attempts)
		}
	}
}

func TestClaimJobsTypeFilter(t *testing.T) {
	s := NewMemoryStore()
	seedQueued(t, s, 2, JobTypeScript)
	seedQueued(t, s, 3, JobTypeToolAction)

	claimed, err := s.ClaimJobs(context.Background(), "orch-1", []JobType{JobTypeToolAction}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(claimed))
	}
	for _, j := range claimed {
		if j.Type != JobTypeToolAction {
			t.Fatalf("type = %s, want tool_action", j.Type)
		}
	}
}

func TestClaimJobsExclusiveUnderConcurrency(t *testing.T) {
	s := NewMemoryStore()
	seedQueued(t, s, 40, JobTypeScript)

	const claimants = 8
	var wg sync.WaitGroup
	results := make([][]*Job, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimJobs(context.Background(), fmt.Sprintf("orch-%d", i), nil, 10)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]string)
	total := 0
	for i, claimed := range results {
		for _, j := range claimed {
			if prev, dup := seen[j.ID]; dup {
				t.Fatalf("job %s claimed by both %s and orch-%d", j.ID, prev, i)
			}
			seen[j.ID] = fmt.Sprintf("orch-%d", i)
			total++
		}
	}
	if total != 40 {
		t.Fatalf("total claimed = %d, want 40", total)
	}
}

func TestTransitionJobIdempotentTerminal(t *testing.T) {
	s := NewMemoryStore()
	jobs := seedQueued(t, s, 1, JobTypeScript)
	ctx := context.Background()

	if _, err := s.ClaimJobs(ctx, "orch-1", nil, 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.TransitionJob(ctx, jobs[0].ID, Transition{To: JobStatusRunning, Claimant: "orch-1"}); err != nil {
		t.Fatal(err)
	}

	code := 0
	j, changed, err := s.TransitionJob(ctx, jobs[0].ID, Transition{To: JobStatusCompleted, Claimant: "orch-1", ExitCode: &code})
	if err != nil || !changed {
		t.Fatalf("first complete: changed=%v err=%v", changed, err)
	}
	if j.Claimant != nil {
		t.Fatal("claimant should be cleared on completion")
	}

	// Duplicate delivery of the same terminal report is accepted and ignored.
	_, changed, err = s.TransitionJob(ctx, jobs[0].ID, Transition{To: JobStatusCompleted, ExitCode: &code})
	if err != nil {
		t.Fatalf("duplicate complete: err = %v", err)
	}
	if changed {
		t.Fatal("duplicate complete must be a no-op")
	}
}

func TestListStuckJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := &Job{Type: JobTypeScript, Status: JobStatusQueued, CreatedAt: now.Add(-time.Hour)}
	fresh := &Job{Type: JobTypeScript, Status: JobStatusQueued, CreatedAt: now}
	for _, j := range []*Job{old, fresh} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimJobs(ctx, "orch-1", nil, 10); err != nil {
		t.Fatal(err)
	}

	stuck, err := s.ListStuckJobs(ctx, now.Add(-15*time.Minute), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Fatalf("stuck = %v, want only the hour-old job", stuck)
	}

	// A queued job is never stuck, no matter its age.
	forgotten := &Job{Type: JobTypeScript, Status: JobStatusQueued, CreatedAt: now.Add(-2 * time.Hour)}
	if err := s.CreateJob(ctx, forgotten); err != nil {
		t.Fatal(err)
	}
	stuck, err = s.ListStuckJobs(ctx, now.Add(-15*time.Minute), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 {
		t.Fatalf("stuck = %d jobs, queued jobs must not be swept", len(stuck))
	}
}

func TestUpdateExecutionDerivesJobStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	jobs := seedQueued(t, s, 1, JobTypeScript)
	jobID := jobs[0].ID

	if _, err := s.ClaimJobs(ctx, "orch-1", nil, 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.TransitionJob(ctx, jobID, Transition{To: JobStatusRunning, Claimant: "orch-1"}); err != nil {
		t.Fatal(err)
	}

	a := &Execution{JobID: jobID, Status: JobStatusRunning}
	b := &Execution{JobID: jobID, Status: JobStatusRunning}
	for _, e := range []*Execution{a, b} {
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	code := 0
	_, parent, err := s.UpdateExecution(ctx, a.ID, ExecutionUpdate{Status: JobStatusCompleted, ExitCode: &code})
	if err != nil {
		t.Fatal(err)
	}
	if parent != nil {
		t.Fatal("job must stay live while a sibling execution is running")
	}

	msg := "disk full"
	_, parent, err = s.UpdateExecution(ctx, b.ID, ExecutionUpdate{Status: JobStatusFailed, Error: &msg})
	if err != nil {
		t.Fatal(err)
	}
	if parent == nil || parent.Status != JobStatusFailed {
		t.Fatalf("parent = %+v, want failed job", parent)
	}
	if parent.LastError == nil || *parent.LastError != msg {
		t.Fatalf("lastError = %v, want %q", parent.LastError, msg)
	}
}

func TestDeleteJobsForEvent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	keep := &Job{EventID: "event-keep", Type: JobTypeScript, Status: JobStatusQueued}
	drop := &Job{EventID: "event-drop", Type: JobTypeScript, Status: JobStatusQueued}
	for _, j := range []*Job{keep, drop} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.DeleteJobsForEvent(ctx, "event-drop")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetJob(ctx, drop.ID); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob(ctx, keep.ID); err != nil {
		t.Fatalf("keep job gone: %v", err)
	}
}

func TestSetWorkflowStatusTerminalStamp(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	we := &WorkflowExecution{WorkflowID: uuid.New()}
	if err := s.CreateWorkflowExecution(ctx, we); err != nil {
		t.Fatal(err)
	}

	got, changed, err := s.SetWorkflowStatus(ctx, we.ID, WorkflowStatusSuccess, &StepEvent{Step: "done", Message: "all jobs completed"})
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if got.CompletedAt == nil || got.Duration < 0 {
		t.Fatalf("terminal stamp missing: %+v", got)
	}
	if len(got.StepEvents) != 1 {
		t.Fatalf("stepEvents = %d, want 1", len(got.StepEvents))
	}

	// Same terminal status again is a no-op; a different one is an error.
	_, changed, err = s.SetWorkflowStatus(ctx, we.ID, WorkflowStatusSuccess, nil)
	if err != nil || changed {
		t.Fatalf("duplicate: changed=%v err=%v", changed, err)
	}
	if _, _, err := s.SetWorkflowStatus(ctx, we.ID, WorkflowStatusFailure, nil); err != ErrInvalidTransition {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}
