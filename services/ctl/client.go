// Package ctl implements the dispatchctl command line client for the public
// control plane API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatch/pkg/queue"
)

// Client talks to the public /v1 API.
type Client struct {
	base string
	http *http.Client
}

// NewClient validates the base URL and returns a Client.
func NewClient(base string) (*Client, error) {
	if strings.TrimSpace(base) == "" {
		return nil, errors.New("api base url is required")
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// CreateWorkflow registers a workflow definition.
func (c *Client) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (*queue.Workflow, error) {
	var out struct {
		Workflow *queue.Workflow `json:"workflow"`
	}
	payload := map[string]any{
		"user_id": spec.UserID,
		"name":    spec.Name,
		"steps":   spec.Steps,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", payload, &out); err != nil {
		return nil, err
	}
	return out.Workflow, nil
}

// TriggerWorkflow starts an execution of the workflow.
func (c *Client) TriggerWorkflow(ctx context.Context, id uuid.UUID, userID, eventID string) (*queue.WorkflowExecution, error) {
	var out struct {
		WorkflowExecution *queue.WorkflowExecution `json:"workflow_execution"`
	}
	payload := map[string]any{"user_id": userID, "event_id": eventID}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/trigger", id), payload, &out); err != nil {
		return nil, err
	}
	return out.WorkflowExecution, nil
}

// RunJob enqueues a single standalone job.
func (c *Client) RunJob(ctx context.Context, userID, eventID string, jobType queue.JobType, payload map[string]any) (*queue.Job, error) {
	var out struct {
		Job *queue.Job `json:"job"`
	}
	body := map[string]any{
		"user_id":  userID,
		"event_id": eventID,
		"type":     jobType,
		"payload":  payload,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	var out struct {
		Job *queue.Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// GetWorkflowExecution fetches an execution and its jobs.
func (c *Client) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*queue.WorkflowExecution, []*queue.Job, error) {
	var out struct {
		WorkflowExecution *queue.WorkflowExecution `json:"workflow_execution"`
		Jobs              []*queue.Job             `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflow-executions/"+id.String(), nil, &out); err != nil {
		return nil, nil, err
	}
	return out.WorkflowExecution, out.Jobs, nil
}

// ToolHealth fetches the tool health summary and recommendations.
func (c *Client) ToolHealth(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/health/tools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
