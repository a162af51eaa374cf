package queue

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job, execution, or workflow id is unknown.
	ErrNotFound = errors.New("queue: not found")
	// ErrInvalidTransition is returned when a requested status change is not an
	// allowed edge of the job state machine.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrClaimMismatch is returned when a caller reports progress on a job it
	// does not hold the claim for.
	ErrClaimMismatch = errors.New("queue: claimant mismatch")
	// ErrMissingError is returned when a failure transition carries no error
	// message. A job must never reach failed or timeout without one.
	ErrMissingError = errors.New("queue: failure transition requires an error message")
)

// Transition is a requested job status change plus the fields it carries.
// Claimant, when non-empty, must match the job's current claimant; forced
// transitions (reaper, cancel) leave it empty.
type Transition struct {
	To       JobStatus
	Claimant string
	Error    *string
	ExitCode *int
	Output   string
	Metrics  map[string]any
	Now      time.Time
}

// allowed edges, keyed by current status. Jobs never move backward: a retry
// is a new job, not a rewind.
var jobEdges = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusClaimed, JobStatusCancelled},
	JobStatusClaimed: {JobStatusRunning, JobStatusCancelled, JobStatusFailed, JobStatusTimeout},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusTimeout},
}

func edgeAllowed(from, to JobStatus) bool {
	for _, next := range jobEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyTransition mutates j in place according to t. It returns false with a
// nil error for idempotent re-delivery of a terminal state (the duplicate is
// accepted and ignored), and ErrInvalidTransition for any edge outside the
// state machine.
func ApplyTransition(j *Job, t Transition) (bool, error) {
	if t.Now.IsZero() {
		t.Now = time.Now().UTC()
	}

	if j.Status.Terminal() {
		if t.To == j.Status {
			return false, nil
		}
		return false, ErrInvalidTransition
	}

	if !edgeAllowed(j.Status, t.To) {
		return false, ErrInvalidTransition
	}

	// The claim edge sets the claimant; every later claimant-scoped transition
	// must match it.
	if t.To != JobStatusClaimed && t.Claimant != "" && (j.Claimant == nil || *j.Claimant != t.Claimant) {
		return false, ErrClaimMismatch
	}

	switch t.To {
	case JobStatusClaimed:
		claimant := t.Claimant
		j.Claimant = &claimant
		j.Attempts++

	case JobStatusRunning:
		if j.StartedAt == nil {
			now := t.Now
			j.StartedAt = &now
		}

	case JobStatusCompleted:
		now := t.Now
		j.CompletedAt = &now
		j.ExitCode = t.ExitCode
		j.Output = t.Output
		j.Metrics = t.Metrics
		j.Claimant = nil

	case JobStatusFailed, JobStatusTimeout:
		if t.Error == nil || *t.Error == "" {
			return false, ErrMissingError
		}
		now := t.Now
		j.CompletedAt = &now
		j.LastError = t.Error
		j.ExitCode = t.ExitCode
		if t.Output != "" {
			j.Output = t.Output
		}
		j.Claimant = nil

	case JobStatusCancelled:
		now := t.Now
		j.CompletedAt = &now
		j.Claimant = nil
	}

	j.Status = t.To
	return true, nil
}

// DeriveJobStatus aggregates fan-out execution states into the parent job's
// status. It returns ok=false while any execution is still live; a job must
// never be terminal ahead of its executions.
func DeriveJobStatus(execs []*Execution) (JobStatus, bool) {
	if len(execs) == 0 {
		return "", false
	}
	failed := false
	for _, e := range execs {
		if !e.Status.Terminal() {
			return JobStatusRunning, false
		}
		if e.Status != JobStatusCompleted {
			failed = true
		}
	}
	if failed {
		return JobStatusFailed, true
	}
	return JobStatusCompleted, true
}

// AggregateJobs folds constituent job statuses into a workflow status using
// the fail-fast policy: one terminal failure fails the whole workflow.
func AggregateJobs(jobs []*Job) WorkflowStatus {
	if len(jobs) == 0 {
		return WorkflowStatusRunning
	}
	allDone := true
	for _, j := range jobs {
		switch j.Status {
		case JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
			return WorkflowStatusFailure
		case JobStatusCompleted:
		default:
			allDone = false
		}
	}
	if allDone {
		return WorkflowStatusSuccess
	}
	return WorkflowStatusRunning
}
