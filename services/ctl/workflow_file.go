package ctl

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dispatch/pkg/queue"
)

// WorkflowSpec is the on-disk YAML form of a workflow definition.
type WorkflowSpec struct {
	Name   string       `yaml:"name"`
	UserID string       `yaml:"user_id"`
	Steps  []queue.Step `yaml:"steps"`
}

// LoadWorkflowSpec reads and validates a workflow definition file.
func LoadWorkflowSpec(path string) (WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowSpec{}, fmt.Errorf("read workflow file: %w", err)
	}

	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return WorkflowSpec{}, fmt.Errorf("parse workflow file: %w", err)
	}

	if strings.TrimSpace(spec.Name) == "" {
		return WorkflowSpec{}, fmt.Errorf("%s: name is required", path)
	}
	if len(spec.Steps) == 0 {
		return WorkflowSpec{}, fmt.Errorf("%s: at least one step is required", path)
	}
	seen := make(map[string]bool, len(spec.Steps))
	for i, step := range spec.Steps {
		if strings.TrimSpace(step.Key) == "" {
			return WorkflowSpec{}, fmt.Errorf("%s: step %d is missing a key", path, i)
		}
		if seen[step.Key] {
			return WorkflowSpec{}, fmt.Errorf("%s: duplicate step key %q", path, step.Key)
		}
		seen[step.Key] = true
	}
	return spec, nil
}
