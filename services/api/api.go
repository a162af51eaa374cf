// Package api exposes the control plane HTTP surface: a public /v1 API for
// users and an authenticated /internal/v1 API for orchestrators polling work.
package api

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"dispatch/pkg/bus"
	"dispatch/pkg/health"
	"dispatch/pkg/queue"
	"dispatch/services/workflow"
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// InternalToken is the bearer token orchestrators authenticate with on
	// /internal/v1 routes.
	InternalToken string
	// MaxClaimBatch caps the batchSize a single claim request may ask for.
	MaxClaimBatch int
}

const defaultMaxClaimBatch = 50

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store  queue.Store
	engine *workflow.Engine
	bus    *bus.Bus
	health *health.Monitor
	config Config
	log    zerolog.Logger
}

// New initialises the API layer with sane defaults applied to the provided
// configuration. The bus may be nil; lifecycle events are then not published.
func New(store queue.Store, engine *workflow.Engine, b *bus.Bus, monitor *health.Monitor, cfg Config, log zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if cfg.InternalToken == "" {
		return nil, errors.New("internal token is required")
	}
	if cfg.MaxClaimBatch <= 0 {
		cfg.MaxClaimBatch = defaultMaxClaimBatch
	}

	return &API{
		store:  store,
		engine: engine,
		bus:    b,
		health: monitor,
		config: cfg,
		log:    log.With().Str("component", "api").Logger(),
	}, nil
}

func (a *API) publishJob(ctx context.Context, subject string, j *queue.Job) {
	if a.bus == nil {
		return
	}
	claimant := ""
	if j.Claimant != nil {
		claimant = *j.Claimant
	}
	evt := bus.JobEvent{
		JobID:               j.ID,
		WorkflowExecutionID: j.WorkflowExecutionID,
		Status:              string(j.Status),
		Claimant:            claimant,
	}
	if err := a.bus.Publish(ctx, subject, evt); err != nil {
		a.log.Warn().Err(err).Str("job_id", j.ID.String()).Msg("publish job event")
	}
}
