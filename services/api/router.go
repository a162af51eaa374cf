package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.handleCreateJob)
		r.Get("/jobs/{id}", a.handleGetJob)
		r.Delete("/events/{id}/jobs", a.handleDeleteEventJobs)

		r.Post("/workflows", a.handleCreateWorkflow)
		r.Get("/workflows/{id}", a.handleGetWorkflow)
		r.Post("/workflows/{id}/trigger", a.handleTriggerWorkflow)
		r.Get("/workflow-executions/{id}", a.handleGetWorkflowExecution)

		r.Get("/health/tools", a.handleToolHealth)
	})

	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(a.requireOrchestrator)

		r.Get("/jobs", a.handleClaimJobs)
		r.Post("/jobs/{id}/start", a.handleStartJob)
		r.Post("/jobs/{id}/complete", a.handleCompleteJob)
		r.Post("/jobs/{id}/fail", a.handleFailJob)
		r.Post("/jobs/{id}/logs", a.handleAppendLogs)

		r.Post("/executions", a.handleCreateExecution)
		r.Put("/executions/{id}", a.handleUpdateExecution)
	})

	return r, nil
}
