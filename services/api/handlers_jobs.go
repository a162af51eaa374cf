package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"dispatch/pkg/bus"
	"dispatch/pkg/queue"
)

func parseJobType(s string) (queue.JobType, error) {
	switch t := queue.JobType(s); t {
	case queue.JobTypeScript, queue.JobTypeToolAction, queue.JobTypeHTTP:
		return t, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

func jobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id: %w", err)
	}
	return id, nil
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string         `json:"user_id"`
		EventID string         `json:"event_id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	jobType, err := parseJobType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job := &queue.Job{
		UserID:  req.UserID,
		EventID: req.EventID,
		Type:    jobType,
		Payload: req.Payload,
		Status:  queue.JobStatusQueued,
	}
	if err := a.store.CreateJob(ctx, job); err != nil {
		respondStoreError(w, err)
		return
	}

	a.publishJob(ctx, bus.SubjectJobQueued, job)
	respondJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleDeleteEventJobs(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimSpace(chi.URLParam(r, "id"))
	if eventID == "" {
		respondError(w, http.StatusBadRequest, errors.New("event id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	deleted, err := a.store.DeleteJobsForEvent(ctx, eventID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// handleClaimJobs atomically hands out queued jobs to the calling
// orchestrator. An empty result is a normal response, not an error.
func (a *API) handleClaimJobs(w http.ResponseWriter, r *http.Request) {
	batchSize := 1
	if raw := r.URL.Query().Get("batchSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("batchSize must be a positive integer"))
			return
		}
		batchSize = n
	}
	if batchSize > a.config.MaxClaimBatch {
		batchSize = a.config.MaxClaimBatch
	}

	var types []queue.JobType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := parseJobType(strings.TrimSpace(part))
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			types = append(types, t)
		}
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	jobs, err := a.store.ClaimJobs(ctx, orchestratorID(r.Context()), types, batchSize)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (a *API) handleStartJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, changed, err := a.store.TransitionJob(ctx, id, queue.Transition{
		To:       queue.JobStatusRunning,
		Claimant: orchestratorID(r.Context()),
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if changed {
		a.publishJob(ctx, bus.SubjectJobStarted, job)
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job, "changed": changed})
}

func (a *API) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req queue.JobResult
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	exitCode := req.ExitCode
	job, changed, err := a.store.TransitionJob(ctx, id, queue.Transition{
		To:       queue.JobStatusCompleted,
		Claimant: orchestratorID(r.Context()),
		ExitCode: &exitCode,
		Output:   req.Output,
		Metrics:  req.Metrics,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if changed {
		a.publishJob(ctx, bus.SubjectJobFinished, job)
		a.recomputeParent(ctx, job)
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job, "changed": changed})
}

func (a *API) handleFailJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Error    string `json:"error"`
		ExitCode *int   `json:"exit_code"`
		Output   string `json:"output"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Error) == "" {
		respondError(w, http.StatusBadRequest, errors.New("error message is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, changed, err := a.store.TransitionJob(ctx, id, queue.Transition{
		To:       queue.JobStatusFailed,
		Claimant: orchestratorID(r.Context()),
		Error:    &req.Error,
		ExitCode: req.ExitCode,
		Output:   req.Output,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if changed {
		a.publishJob(ctx, bus.SubjectJobFinished, job)
		a.recomputeParent(ctx, job)
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job, "changed": changed})
}

// handleAppendLogs accepts a batch of log lines, optionally zstd-compressed
// by the orchestrator.
func (a *API) handleAppendLogs(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	body := io.Reader(r.Body)
	defer r.Body.Close()
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "zstd") {
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("decode zstd body: %w", err))
			return
		}
		defer zr.Close()
		body = zr
	}

	var req struct {
		Lines []string `json:"lines"`
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Lines) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("lines are required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.AppendJobLogs(ctx, id, req.Lines); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// recomputeParent folds a finished job back into its workflow execution. The
// bus subscription does the same thing asynchronously; recomputation is
// idempotent, so the two paths never disagree.
func (a *API) recomputeParent(ctx context.Context, job *queue.Job) {
	if job.WorkflowExecutionID == nil {
		return
	}
	if _, err := a.engine.Recompute(ctx, *job.WorkflowExecutionID); err != nil {
		a.log.Warn().Err(err).
			Str("workflow_execution_id", job.WorkflowExecutionID.String()).
			Msg("recompute workflow execution")
	}
}
