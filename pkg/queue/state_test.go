package queue

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestApplyTransitionEdges(t *testing.T) {
	errMsg := strPtr("boom")

	tests := []struct {
		name    string
		from    JobStatus
		t       Transition
		changed bool
		err     error
	}{
		{"queued to claimed", JobStatusQueued, Transition{To: JobStatusClaimed, Claimant: "orch-1"}, true, nil},
		{"queued to cancelled", JobStatusQueued, Transition{To: JobStatusCancelled}, true, nil},
		{"queued to running rejected", JobStatusQueued, Transition{To: JobStatusRunning}, false, ErrInvalidTransition},
		{"queued to completed rejected", JobStatusQueued, Transition{To: JobStatusCompleted}, false, ErrInvalidTransition},
		{"claimed to running", JobStatusClaimed, Transition{To: JobStatusRunning}, true, nil},
		{"claimed to failed", JobStatusClaimed, Transition{To: JobStatusFailed, Error: errMsg}, true, nil},
		{"claimed to timeout", JobStatusClaimed, Transition{To: JobStatusTimeout, Error: errMsg}, true, nil},
		{"claimed to cancelled", JobStatusClaimed, Transition{To: JobStatusCancelled}, true, nil},
		{"claimed to completed rejected", JobStatusClaimed, Transition{To: JobStatusCompleted}, false, ErrInvalidTransition},
		{"running to completed", JobStatusRunning, Transition{To: JobStatusCompleted}, true, nil},
		{"running to failed", JobStatusRunning, Transition{To: JobStatusFailed, Error: errMsg}, true, nil},
		{"running to timeout", JobStatusRunning, Transition{To: JobStatusTimeout, Error: errMsg}, true, nil},
		{"running to cancelled rejected", JobStatusRunning, Transition{To: JobStatusCancelled}, false, ErrInvalidTransition},
		{"running to queued rejected", JobStatusRunning, Transition{To: JobStatusQueued}, false, ErrInvalidTransition},
		{"completed to completed noop", JobStatusCompleted, Transition{To: JobStatusCompleted}, false, nil},
		{"failed to failed noop", JobStatusFailed, Transition{To: JobStatusFailed, Error: errMsg}, false, nil},
		{"completed to failed rejected", JobStatusCompleted, Transition{To: JobStatusFailed, Error: errMsg}, false, ErrInvalidTransition},
		{"cancelled to running rejected", JobStatusCancelled, Transition{To: JobStatusRunning}, false, ErrInvalidTransition},
		{"failure without message rejected", JobStatusRunning, Transition{To: JobStatusFailed}, false, ErrMissingError},
		{"timeout without message rejected", JobStatusRunning, Transition{To: JobStatusTimeout, Error: strPtr("")}, false, ErrMissingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Status: tt.from}
			if tt.from == JobStatusClaimed || tt.from == JobStatusRunning {
				j.Claimant = strPtr("orch-1")
			}

			changed, err := ApplyTransition(j, tt.t)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if changed != tt.changed {
				t.Fatalf("changed = %v, want %v", changed, tt.changed)
			}
			if err == nil && changed && j.Status != tt.t.To {
				t.Fatalf("status = %s, want %s", j.Status, tt.t.To)
			}
		})
	}
}

func TestApplyTransitionClaimantChecks(t *testing.T) {
	j := &Job{Status: JobStatusRunning, Claimant: strPtr("orch-1")}

	_, err := ApplyTransition(j, Transition{To: JobStatusCompleted, Claimant: "orch-2"})
	if !errors.Is(err, ErrClaimMismatch) {
		t.Fatalf("err = %v, want ErrClaimMismatch", err)
	}
	if j.Status != JobStatusRunning {
		t.Fatalf("status = %s, job must be untouched on mismatch", j.Status)
	}

	changed, err := ApplyTransition(j, Transition{To: JobStatusCompleted, Claimant: "orch-1"})
	if err != nil || !changed {
		t.Fatalf("changed, err = %v, %v", changed, err)
	}
	if j.Claimant != nil {
		t.Fatal("claimant must be cleared on terminal state")
	}
}

func TestApplyTransitionFieldEffects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	j := &Job{Status: JobStatusQueued}
	if _, err := ApplyTransition(j, Transition{To: JobStatusClaimed, Claimant: "orch-1", Now: now}); err != nil {
		t.Fatal(err)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if j.Claimant == nil || *j.Claimant != "orch-1" {
		t.Fatalf("claimant = %v, want orch-1", j.Claimant)
	}

	if _, err := ApplyTransition(j, Transition{To: JobStatusRunning, Claimant: "orch-1", Now: now}); err != nil {
		t.Fatal(err)
	}
	if j.StartedAt == nil || !j.StartedAt.Equal(now) {
		t.Fatalf("startedAt = %v, want %v", j.StartedAt, now)
	}

	if _, err := ApplyTransition(j, Transition{
		To: JobStatusCompleted, Claimant: "orch-1", Now: now.Add(time.Minute),
		ExitCode: intPtr(0), Output: "done", Metrics: map[string]any{"duration_ms": 1500},
	}); err != nil {
		t.Fatal(err)
	}
	if j.CompletedAt == nil || j.ExitCode == nil || *j.ExitCode != 0 || j.Output != "done" {
		t.Fatalf("terminal fields not recorded: %+v", j)
	}
}

func TestDeriveJobStatus(t *testing.T) {
	running := JobStatusRunning
	done := JobStatusCompleted
	failed := JobStatusFailed

	tests := []struct {
		name  string
		execs []*Execution
		want  JobStatus
		ok    bool
	}{
		{"no executions", nil, "", false},
		{"one live", []*Execution{{Status: running}}, JobStatusRunning, false},
		{"mixed live", []*Execution{{Status: done}, {Status: running}}, JobStatusRunning, false},
		{"all completed", []*Execution{{Status: done}, {Status: done}}, JobStatusCompleted, true},
		{"one failed", []*Execution{{Status: done}, {Status: failed}}, JobStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DeriveJobStatus(tt.execs)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("DeriveJobStatus = (%s, %v), want (%s, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAggregateJobs(t *testing.T) {
	tests := []struct {
		name string
		jobs []*Job
		want WorkflowStatus
	}{
		{"all completed", []*Job{{Status: JobStatusCompleted}, {Status: JobStatusCompleted}}, WorkflowStatusSuccess},
		{"one failed fails fast", []*Job{{Status: JobStatusCompleted}, {Status: JobStatusFailed}, {Status: JobStatusRunning}}, WorkflowStatusFailure},
		{"cancelled counts as failure", []*Job{{Status: JobStatusCancelled}}, WorkflowStatusFailure},
		{"timeout counts as failure", []*Job{{Status: JobStatusTimeout}}, WorkflowStatusFailure},
		{"still running", []*Job{{Status: JobStatusCompleted}, {Status: JobStatusQueued}}, WorkflowStatusRunning},
		{"empty is running", nil, WorkflowStatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateJobs(tt.jobs); got != tt.want {
				t.Fatalf("AggregateJobs = %s, want %s", got, tt.want)
			}
		})
	}
}
