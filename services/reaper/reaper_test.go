package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dispatch/pkg/queue"
)

func newTestReaper(t *testing.T, store queue.Store, cfg Config) *Reaper {
	t.Helper()
	r, err := New(store, nil, cfg, zerolog.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSweepFailsStuckJobs(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &queue.Job{Type: queue.JobTypeScript, Status: queue.JobStatusQueued, CreatedAt: now.Add(-time.Hour)}
	fresh := &queue.Job{Type: queue.JobTypeScript, Status: queue.JobStatusQueued, CreatedAt: now}
	for _, j := range []*queue.Job{stale, fresh} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.ClaimJobs(ctx, "orch-1", nil, 10); err != nil {
		t.Fatal(err)
	}

	r := newTestReaper(t, store, DefaultConfig())
	r.Sweep(ctx)

	got, err := store.GetJob(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.JobStatusFailed {
		t.Fatalf("stale status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != stuckJobError {
		t.Fatalf("lastError = %v, want %q", got.LastError, stuckJobError)
	}
	if got.ExitCode == nil || *got.ExitCode != -1 {
		t.Fatalf("exitCode = %v, want -1", got.ExitCode)
	}

	// The recently claimed job is untouched.
	got, err = store.GetJob(ctx, fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.JobStatusClaimed {
		t.Fatalf("fresh status = %s, want claimed", got.Status)
	}
}

func TestSweepIgnoresQueuedJobs(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	old := &queue.Job{Type: queue.JobTypeScript, Status: queue.JobStatusQueued, CreatedAt: time.Now().UTC().Add(-24 * time.Hour)}
	if err := store.CreateJob(ctx, old); err != nil {
		t.Fatal(err)
	}

	r := newTestReaper(t, store, DefaultConfig())
	r.Sweep(ctx)

	got, _ := store.GetJob(ctx, old.ID)
	if got.Status != queue.JobStatusQueued {
		t.Fatalf("status = %s, unclaimed jobs must not be reaped", got.Status)
	}
}

func TestSweepTimesOutStuckWorkflow(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	we := &queue.WorkflowExecution{
		WorkflowID: uuid.New(),
		Status:     queue.WorkflowStatusRunning,
		StartedAt:  now.Add(-time.Hour),
	}
	if err := store.CreateWorkflowExecution(ctx, we); err != nil {
		t.Fatal(err)
	}

	queued := &queue.Job{Type: queue.JobTypeScript, Status: queue.JobStatusQueued, WorkflowExecutionID: &we.ID, CreatedAt: now}
	live := &queue.Job{Type: queue.JobTypeScript, Status: queue.JobStatusQueued, WorkflowExecutionID: &we.ID, CreatedAt: now.Add(-time.Minute)}
	for _, j := range []*queue.Job{queued, live} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	// Claim only one so the cascade covers both the queued and claimed paths.
	if _, err := store.ClaimJobs(ctx, "orch-1", nil, 1); err != nil {
		t.Fatal(err)
	}

	r := newTestReaper(t, store, DefaultConfig())
	r.Sweep(ctx)

	got, err := store.GetWorkflowExecution(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.WorkflowStatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}

	jobs, err := store.ListJobsByWorkflowExecution(ctx, we.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if !j.Status.Terminal() {
			t.Fatalf("job %s status = %s, want terminal after cascade", j.ID, j.Status)
		}
	}
}

func TestSweepLeavesFreshWorkflowsAlone(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()

	we := &queue.WorkflowExecution{WorkflowID: uuid.New(), Status: queue.WorkflowStatusRunning, StartedAt: time.Now().UTC()}
	if err := store.CreateWorkflowExecution(ctx, we); err != nil {
		t.Fatal(err)
	}

	r := newTestReaper(t, store, DefaultConfig())
	r.Sweep(ctx)

	got, _ := store.GetWorkflowExecution(ctx, we.ID)
	if got.Status != queue.WorkflowStatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	store := queue.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		j := &queue.Job{Type: queue.JobTypeScript, Status: queue.JobStatusQueued, CreatedAt: now.Add(-time.Hour)}
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.ClaimJobs(ctx, "orch-1", nil, 10); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	r := newTestReaper(t, store, cfg)
	r.Sweep(ctx)

	stuck, err := store.ListStuckJobs(ctx, now.Add(-15*time.Minute), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 3 {
		t.Fatalf("remaining stuck = %d, want 3 after a batch of 2", len(stuck))
	}
}
