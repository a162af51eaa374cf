package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dispatch/pkg/queue"
)

// HTTPRunner carries out http_request jobs: a single outbound HTTP call whose
// response becomes the job output. A non-2xx status fails the job.
type HTTPRunner struct {
	http *http.Client
}

// NewHTTPRunner returns an HTTPRunner with a 30 second request timeout.
func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{http: &http.Client{Timeout: 30 * time.Second}}
}

func (r *HTTPRunner) Run(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	url, _ := job.Payload["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("payload is missing the url field")
	}
	method, _ := job.Payload["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := job.Payload["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if headers, ok := job.Payload["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	result := &queue.JobResult{
		Output: string(data),
		Metrics: map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"status_code": resp.StatusCode,
		},
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.ExitCode = 1
		return result, fmt.Errorf("request returned status %d", resp.StatusCode)
	}
	return result, nil
}
