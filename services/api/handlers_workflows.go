package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dispatch/pkg/queue"
)

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string       `json:"user_id"`
		Name   string       `json:"name"`
		Steps  []queue.Step `json:"steps"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if len(req.Steps) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("at least one step is required"))
		return
	}
	seen := make(map[string]bool, len(req.Steps))
	for i, step := range req.Steps {
		if strings.TrimSpace(step.Key) == "" {
			respondError(w, http.StatusBadRequest, fmt.Errorf("step %d: key is required", i))
			return
		}
		if seen[step.Key] {
			respondError(w, http.StatusBadRequest, fmt.Errorf("duplicate step key %q", step.Key))
			return
		}
		seen[step.Key] = true
		if _, err := parseJobType(string(step.Type)); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("step %q: %w", step.Key, err))
			return
		}
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	wf := &queue.Workflow{UserID: req.UserID, Name: req.Name, Steps: req.Steps}
	if err := a.store.CreateWorkflow(ctx, wf); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"workflow": wf})
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid workflow id: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	wf, err := a.store.GetWorkflow(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflow": wf})
}

func (a *API) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid workflow id: %w", err))
		return
	}

	var req struct {
		UserID  string `json:"user_id"`
		EventID string `json:"event_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	we, err := a.engine.Trigger(ctx, id, req.UserID, req.EventID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"workflow_execution": we})
}

func (a *API) handleGetWorkflowExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid workflow execution id: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	we, err := a.store.GetWorkflowExecution(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	jobs, err := a.store.ListJobsByWorkflowExecution(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflow_execution": we, "jobs": jobs})
}

func (a *API) handleToolHealth(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("health monitor not configured"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"summary":         a.health.Summary(),
		"recommendations": a.health.Recommendations(),
	})
}
