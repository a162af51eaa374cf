// Package executor is the worker-side process: it polls the control plane
// for claimable jobs, runs them, and reports results and logs back.
package executor

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
	"github.com/klauspost/compress/zstd"

	"dispatch/pkg/queue"
)

const orchestratorIDHeader = "X-Orchestrator-ID"

// Client talks to the control plane's internal API on behalf of one
// orchestrator identity.
type Client struct {
	base           string
	token          string
	orchestratorID string
	http           *http.Client
}

// NewClient validates the connection parameters and returns a Client.
func NewClient(base, token, orchestratorID string) (*Client, error) {
	if strings.TrimSpace(base) == "" {
		return nil, errors.New("api base url is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("internal token is required")
	}
	if strings.TrimSpace(orchestratorID) == "" {
		return nil, errors.New("orchestrator id is required")
	}

	return &Client{
		base:           strings.TrimRight(base, "/"),
		token:          token,
		orchestratorID: orchestratorID,
		http:           &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// OrchestratorID returns the claimant identity this client reports as.
func (c *Client) OrchestratorID() string { return c.orchestratorID }

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentEncoding string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(orchestratorIDHeader, c.orchestratorID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if dest == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, body, "", dest)
}

// Claim asks the control plane for up to batchSize queued jobs. An empty
// slice means no work is available.
func (c *Client) Claim(ctx context.Context, batchSize int, types []queue.JobType) ([]*queue.Job, error) {
	path := fmt.Sprintf("/internal/v1/jobs?batchSize=%d", batchSize)
	if len(types) > 0 {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = string(t)
		}
		path += "&types=" + strings.Join(parts, ",")
	}

	var out struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Start reports that execution of a claimed job has begun.
func (c *Client) Start(ctx context.Context, id uuid.UUID) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/start", id), nil, nil)
}

// Complete reports a successful terminal result.
func (c *Client) Complete(ctx context.Context, id uuid.UUID, result queue.JobResult) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/complete", id), result, nil)
}

// Fail reports a failed terminal result. The message is mandatory; the
// control plane rejects failure reports without one.
func (c *Client) Fail(ctx context.Context, id uuid.UUID, message string, exitCode *int, output string) error {
	payload := map[string]any{"error": message, "output": output}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/fail", id), payload, nil)
}

// AppendLogs ships a batch of log lines, zstd-compressed on the wire.
func (c *Client) AppendLogs(ctx context.Context, id uuid.UUID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	data, err := json.Marshal(map[string]any{"lines": lines})
	if err != nil {
		return fmt.Errorf("marshal log batch: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return fmt.Errorf("compress log batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush log batch: %w", err)
	}

	return c.do(ctx, http.MethodPost, fmt.Sprintf("/internal/v1/jobs/%s/logs", id), &buf, "zstd", nil)
}
