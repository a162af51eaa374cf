package workflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatch/pkg/queue"
)

func newTestEngine(t *testing.T) (*Engine, *queue.MemoryStore) {
	t.Helper()
	store := queue.NewMemoryStore()
	engine, err := NewEngine(store, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return engine, store
}

func createWorkflow(t *testing.T, store queue.Store, steps ...queue.Step) *queue.Workflow {
	t.Helper()
	wf := &queue.Workflow{UserID: "user-1", Name: "deploy", Steps: steps}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatal(err)
	}
	return wf
}

func TestTriggerCreatesOrderedJobs(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, store,
		queue.Step{Key: "build", Type: queue.JobTypeScript, Payload: map[string]any{"script": "make"}},
		queue.Step{Key: "notify", Type: queue.JobTypeToolAction, Payload: map[string]any{"tool": "slack"}},
	)

	we, err := engine.Trigger(ctx, wf.ID, "user-1", "event-1")
	if err != nil {
		t.Fatal(err)
	}
	if we.Status != queue.WorkflowStatusRunning {
		t.Fatalf("status = %s, want running", we.Status)
	}
	if len(we.StepEvents) != 2 {
		t.Fatalf("stepEvents = %d, want 2", len(we.StepEvents))
	}

	jobs, err := store.ListJobsByWorkflowExecution(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].Type != queue.JobTypeScript || jobs[1].Type != queue.JobTypeToolAction {
		t.Fatalf("job order does not follow step order: %s, %s", jobs[0].Type, jobs[1].Type)
	}
	if !jobs[0].CreatedAt.Before(jobs[1].CreatedAt) {
		t.Fatal("job creation times must be strictly increasing")
	}
	for _, j := range jobs {
		if j.Status != queue.JobStatusQueued {
			t.Fatalf("job status = %s, want queued", j.Status)
		}
	}
}

func TestTriggerEmptyWorkflowRejected(t *testing.T) {
	engine, store := newTestEngine(t)
	wf := createWorkflow(t, store)

	if _, err := engine.Trigger(context.Background(), wf.ID, "user-1", "event-1"); err == nil {
		t.Fatal("expected error for workflow without steps")
	}
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Trigger(context.Background(), uuid.New(), "user-1", "event-1")
	if err != queue.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func finishJob(t *testing.T, store queue.Store, id uuid.UUID, to queue.JobStatus) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.TransitionJob(ctx, id, queue.Transition{To: queue.JobStatusRunning, Claimant: "orch-1"}); err != nil {
		t.Fatal(err)
	}
	tr := queue.Transition{To: to, Claimant: "orch-1"}
	if to != queue.JobStatusCompleted {
		msg := "exit status 1"
		tr.Error = &msg
	}
	if _, _, err := store.TransitionJob(ctx, id, tr); err != nil {
		t.Fatal(err)
	}
}

func TestRecomputeSuccess(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, store,
		queue.Step{Key: "a", Type: queue.JobTypeScript},
		queue.Step{Key: "b", Type: queue.JobTypeScript},
	)
	we, err := engine.Trigger(ctx, wf.ID, "user-1", "event-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimJobs(ctx, "orch-1", nil, 10); err != nil {
		t.Fatal(err)
	}
	jobs, _ := store.ListJobsByWorkflowExecution(ctx, we.ID)

	finishJob(t, store, jobs[0].ID, queue.JobStatusCompleted)
	got, err := engine.Recompute(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.WorkflowStatusRunning {
		t.Fatalf("status = %s, want running while a job is live", got.Status)
	}

	finishJob(t, store, jobs[1].ID, queue.JobStatusCompleted)
	got, err = engine.Recompute(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.WorkflowStatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}
}

func TestRecomputeFailFastCancelsQueuedSiblings(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, store,
		queue.Step{Key: "a", Type: queue.JobTypeScript},
		queue.Step{Key: "b", Type: queue.JobTypeScript},
		queue.Step{Key: "c", Type: queue.JobTypeScript},
	)
	we, err := engine.Trigger(ctx, wf.ID, "user-1", "event-1")
	if err != nil {
		t.Fatal(err)
	}

	// Claim and fail only the first job; b and c stay queued.
	claimed, err := store.ClaimJobs(ctx, "orch-1", nil, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claimed = %v, err = %v", claimed, err)
	}
	finishJob(t, store, claimed[0].ID, queue.JobStatusFailed)

	got, err := engine.Recompute(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.WorkflowStatusFailure {
		t.Fatalf("status = %s, want failure", got.Status)
	}

	jobs, _ := store.ListJobsByWorkflowExecution(ctx, we.ID)
	for _, j := range jobs {
		if j.ID == claimed[0].ID {
			continue
		}
		if j.Status != queue.JobStatusCancelled {
			t.Fatalf("sibling %s status = %s, want cancelled", j.ID, j.Status)
		}
	}
}

func TestRecomputeIdempotentOnTerminal(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	wf := createWorkflow(t, store, queue.Step{Key: "a", Type: queue.JobTypeScript})
	we, err := engine.Trigger(ctx, wf.ID, "user-1", "event-1")
	if err != nil {
		t.Fatal(err)
	}
	claimed, _ := store.ClaimJobs(ctx, "orch-1", nil, 1)
	finishJob(t, store, claimed[0].ID, queue.JobStatusCompleted)

	first, err := engine.Recompute(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.Recompute(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != second.Status || second.Status != queue.WorkflowStatusSuccess {
		t.Fatalf("statuses = %s, %s, want success twice", first.Status, second.Status)
	}
}
