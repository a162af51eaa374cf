package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"dispatch/pkg/queue"
)

// Runner executes one kind of job payload. A non-nil result is reported even
// when err is set, so exit codes and partial output survive failures.
type Runner interface {
	Run(ctx context.Context, job *queue.Job) (*queue.JobResult, error)
}

// ScriptRunner runs shell script payloads locally.
type ScriptRunner struct {
	// Shell is the interpreter the script is handed to.
	Shell string
	// WorkDir is the working directory for spawned scripts.
	WorkDir string
}

// NewScriptRunner returns a ScriptRunner with /bin/sh as the interpreter.
func NewScriptRunner(workDir string) *ScriptRunner {
	return &ScriptRunner{Shell: "/bin/sh", WorkDir: workDir}
}

func (r *ScriptRunner) Run(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	script, _ := job.Payload["script"].(string)
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("payload is missing the script field")
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Shell, "-c", script)
	cmd.Dir = r.WorkDir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	result := &queue.JobResult{
		Output: buf.String(),
		Metrics: map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("script exited with status %d", result.ExitCode)
		}
		result.ExitCode = -1
		return result, fmt.Errorf("run script: %w", err)
	}
	return result, nil
}
