package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dispatch/pkg/bus"
	"dispatch/pkg/queue"
)

func (a *API) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID    uuid.UUID      `json:"job_id"`
		ServerID *string        `json:"server_id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.JobID == uuid.Nil {
		respondError(w, http.StatusBadRequest, errors.New("job_id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	now := time.Now().UTC()
	exec := &queue.Execution{
		JobID:     req.JobID,
		ServerID:  req.ServerID,
		Status:    queue.JobStatusRunning,
		StartedAt: &now,
		Metadata:  req.Metadata,
	}
	if err := a.store.CreateExecution(ctx, exec); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"execution": exec})
}

// handleUpdateExecution applies a progress or terminal report. When the
// update settles the last live execution of the parent job, the store derives
// the job's terminal status and the handler propagates it like any other job
// transition.
func (a *API) handleUpdateExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid execution id: %w", err))
		return
	}

	var req struct {
		Status   string         `json:"status"`
		ExitCode *int           `json:"exit_code"`
		Output   *string        `json:"output"`
		Error    *string        `json:"error"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	upd := queue.ExecutionUpdate{
		ExitCode: req.ExitCode,
		Output:   req.Output,
		Error:    req.Error,
		Metadata: req.Metadata,
	}
	if req.Status != "" {
		switch s := queue.JobStatus(req.Status); s {
		case queue.JobStatusRunning, queue.JobStatusCompleted, queue.JobStatusFailed, queue.JobStatusTimeout:
			upd.Status = s
		default:
			respondError(w, http.StatusBadRequest, fmt.Errorf("unknown execution status %q", req.Status))
			return
		}
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	exec, parent, err := a.store.UpdateExecution(ctx, id, upd)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if parent != nil {
		a.publishJob(ctx, bus.SubjectJobFinished, parent)
		a.recomputeParent(ctx, parent)
	}
	respondJSON(w, http.StatusOK, map[string]any{"execution": exec, "job": parent})
}
