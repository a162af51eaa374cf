package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dispatch/pkg/health"
	"dispatch/pkg/queue"
	"dispatch/pkg/retry"
	"dispatch/services/api"
	"dispatch/services/workflow"
)

const testToken = "test-internal-token"

func newControlPlane(t *testing.T) (*httptest.Server, *queue.MemoryStore) {
	t.Helper()

	store := queue.NewMemoryStore()
	engine, err := workflow.NewEngine(store, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	a, err := api.New(store, engine, nil, nil, api.Config{InternalToken: testToken}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	handler, err := a.Routes()
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store
}

func enqueueScript(t *testing.T, store queue.Store, script string) *queue.Job {
	t.Helper()
	job := &queue.Job{
		UserID:  "user-1",
		Type:    queue.JobTypeScript,
		Payload: map[string]any{"script": script},
		Status:  queue.JobStatusQueued,
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestClientClaimStartComplete(t *testing.T) {
	srv, store := newControlPlane(t)
	ctx := context.Background()

	job := enqueueScript(t, store, "echo hi")

	client, err := NewClient(srv.URL, testToken, "orch-1")
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := client.Claim(ctx, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("claimed = %v, want the enqueued job", claimed)
	}

	if err := client.Start(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := client.AppendLogs(ctx, job.ID, []string{"hello", "world"}); err != nil {
		t.Fatal(err)
	}
	if err := client.Complete(ctx, job.ID, queue.JobResult{ExitCode: 0, Output: "hi"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Logs != "hello\nworld\n" {
		t.Fatalf("logs = %q", got.Logs)
	}
}

func TestClientFailRequiresMessage(t *testing.T) {
	srv, store := newControlPlane(t)
	ctx := context.Background()

	job := enqueueScript(t, store, "exit 1")
	client, err := NewClient(srv.URL, testToken, "orch-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Claim(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}

	if err := client.Fail(ctx, job.ID, "", nil, ""); err == nil {
		t.Fatal("expected error for empty failure message")
	}

	code := 1
	if err := client.Fail(ctx, job.ID, "exit status 1", &code, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != queue.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestServiceRunsScriptJobs(t *testing.T) {
	srv, store := newControlPlane(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok := enqueueScript(t, store, "echo job ran")
	bad := enqueueScript(t, store, "exit 3")

	client, err := NewClient(srv.URL, testToken, "orch-1")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.BatchSize = 10
	svc, err := NewService(client, map[queue.JobType]Runner{
		queue.JobTypeScript: NewScriptRunner(t.TempDir()),
	}, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		okJob, err1 := store.GetJob(context.Background(), ok.ID)
		badJob, err2 := store.GetJob(context.Background(), bad.ID)
		if err1 == nil && err2 == nil && okJob.Status.Terminal() && badJob.Status.Terminal() {
			if okJob.Status != queue.JobStatusCompleted {
				t.Fatalf("ok job status = %s, want completed", okJob.Status)
			}
			if badJob.Status != queue.JobStatusFailed {
				t.Fatalf("bad job status = %s, want failed", badJob.Status)
			}
			if badJob.ExitCode == nil || *badJob.ExitCode != 3 {
				t.Fatalf("bad job exit code = %v, want 3", badJob.ExitCode)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs never settled: ok=%v bad=%v", okJob, badJob)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestToolActionRunnerRetriesAndRecords(t *testing.T) {
	calls := 0
	tool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
	}))
	defer tool.Close()

	monitor := health.NewMonitor(health.DefaultConfig(), zerolog.Nop(), prometheus.NewRegistry())
	policy := retry.Policy{
		Strategy:     retry.StrategyFixed,
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}
	runner := NewToolActionRunner(monitor, policy, zerolog.Nop())

	job := &queue.Job{
		Type: queue.JobTypeToolAction,
		Payload: map[string]any{
			"tool":     "slack",
			"action":   "post_message",
			"endpoint": tool.URL,
			"params":   map[string]any{"channel": "#ops"},
		},
	}

	result, err := runner.Run(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if result.Metrics["attempts"] != 3 {
		t.Fatalf("attempts metric = %v, want 3", result.Metrics["attempts"])
	}

	metric, ok := monitor.Metric("slack", "post_message")
	if !ok {
		t.Fatal("expected health metric for slack/post_message")
	}
	if metric.Total != 3 || metric.Failures != 2 {
		t.Fatalf("metric = %+v, want 3 total with 2 failures", metric)
	}
}

func TestToolActionRunnerStopsOnAuthFailure(t *testing.T) {
	calls := 0
	tool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer tool.Close()

	policy := retry.Policy{
		Strategy:     retry.StrategyFixed,
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}
	runner := NewToolActionRunner(nil, policy, zerolog.Nop())

	job := &queue.Job{
		Type: queue.JobTypeToolAction,
		Payload: map[string]any{
			"tool":     "jira",
			"action":   "transition",
			"endpoint": tool.URL,
		},
	}

	_, err := runner.Run(context.Background(), job)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, auth failures must not be retried", calls)
	}
}

func TestHTTPRunner(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	runner := NewHTTPRunner()
	job := &queue.Job{
		Type: queue.JobTypeHTTP,
		Payload: map[string]any{
			"url":     upstream.URL,
			"method":  "get",
			"headers": map[string]any{"X-Custom": "yes"},
		},
	}

	result, err := runner.Run(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "pong" {
		t.Fatalf("output = %q, want pong", result.Output)
	}
	if result.Metrics["status_code"] != http.StatusOK {
		t.Fatalf("status_code = %v, want 200", result.Metrics["status_code"])
	}
}
