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

	"github.com/rs/zerolog"

	"dispatch/pkg/health"
	"dispatch/pkg/queue"
	"dispatch/pkg/retry"
)

// ToolActionRunner carries out tool_action jobs by POSTing to the tool's
// endpoint, retrying transient failures per the job's retry policy and
// recording every attempt's outcome in the health monitor.
type ToolActionRunner struct {
	http    *http.Client
	monitor *health.Monitor
	policy  retry.Policy
	log     zerolog.Logger
}

// NewToolActionRunner builds a runner. The monitor may be nil; outcomes are
// then not recorded.
func NewToolActionRunner(monitor *health.Monitor, policy retry.Policy, log zerolog.Logger) *ToolActionRunner {
	return &ToolActionRunner{
		http:    &http.Client{Timeout: 30 * time.Second},
		monitor: monitor,
		policy:  policy,
		log:     log.With().Str("component", "tool-action").Logger(),
	}
}

func (r *ToolActionRunner) Run(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	tool, _ := job.Payload["tool"].(string)
	action, _ := job.Payload["action"].(string)
	endpoint, _ := job.Payload["endpoint"].(string)
	if strings.TrimSpace(tool) == "" || strings.TrimSpace(action) == "" {
		return nil, errors.New("payload is missing tool or action")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("payload is missing the endpoint field")
	}

	policy := r.policy
	if raw, ok := job.Payload["retry_policy"].(map[string]any); ok {
		policy = overlayPolicy(policy, raw)
	}

	body, err := json.Marshal(map[string]any{
		"tool":   tool,
		"action": action,
		"params": job.Payload["params"],
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool action body: %w", err)
	}

	executor := retry.NewExecutor(policy, r.log)

	var responseBody string
	attempts := 0
	start := time.Now()
	err = executor.Do(ctx, func(ctx context.Context) error {
		attempts++
		attemptStart := time.Now()
		out, attemptErr := r.invoke(ctx, endpoint, body)
		r.record(tool, action, attemptErr == nil, time.Since(attemptStart))
		if attemptErr != nil {
			return attemptErr
		}
		responseBody = out
		return nil
	})

	result := &queue.JobResult{
		Output: responseBody,
		Metrics: map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"attempts":    attempts,
			"tool":        tool,
			"action":      action,
		},
	}
	if err != nil {
		result.ExitCode = 1
		return result, err
	}
	return result, nil
}

func (r *ToolActionRunner) invoke(ctx context.Context, endpoint string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tool endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return string(data), nil
}

func (r *ToolActionRunner) record(tool, action string, success bool, latency time.Duration) {
	if r.monitor == nil {
		return
	}
	r.monitor.Record(tool, action, success, latency)
}

// overlayPolicy applies per-job retry overrides from the payload on top of
// the runner's base policy.
func overlayPolicy(base retry.Policy, raw map[string]any) retry.Policy {
	if v, ok := raw["strategy"].(string); ok && v != "" {
		base.Strategy = retry.Strategy(v)
	}
	if v, ok := raw["max_attempts"].(float64); ok && v > 0 {
		base.MaxAttempts = int(v)
	}
	if v, ok := raw["initial_delay_ms"].(float64); ok && v > 0 {
		base.InitialDelay = time.Duration(v) * time.Millisecond
	}
	if v, ok := raw["max_delay_ms"].(float64); ok && v > 0 {
		base.MaxDelay = time.Duration(v) * time.Millisecond
	}
	if v, ok := raw["multiplier"].(float64); ok && v > 1 {
		base.Multiplier = v
	}
	if v, ok := raw["jitter"].(bool); ok {
		base.Jitter = v
	}
	if v, ok := raw["retry_on"].([]any); ok {
		base.RetryOn = toStrings(v)
	}
	if v, ok := raw["no_retry_on"].([]any); ok {
		base.NoRetryOn = toStrings(v)
	}
	return base
}

func toStrings(v []any) []string {
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
