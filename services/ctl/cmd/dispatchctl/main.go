package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dispatch/pkg/queue"
	"dispatch/services/ctl"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Command line client for the dispatch control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", envOr("DISPATCH_API", "http://localhost:8080"), "Control plane base URL")

	cmd.AddCommand(newWorkflowCommand(&apiBase))
	cmd.AddCommand(newJobCommand(&apiBase))
	cmd.AddCommand(newHealthCommand(&apiBase))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWorkflowCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Workflow definition and trigger operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newWorkflowCreateCommand(apiBase))
	cmd.AddCommand(newWorkflowTriggerCommand(apiBase))
	cmd.AddCommand(newWorkflowStatusCommand(apiBase))
	return cmd
}

func newWorkflowCreateCommand(apiBase *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a workflow from a YAML definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := ctl.LoadWorkflowSpec(file)
			if err != nil {
				return err
			}
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			wf, err := client.CreateWorkflow(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return printJSON(wf)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWorkflowTriggerCommand(apiBase *string) *cobra.Command {
	var (
		userID  string
		eventID string
	)

	cmd := &cobra.Command{
		Use:   "trigger <workflow-id>",
		Short: "Start an execution of a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workflow id: %w", err)
			}
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			we, err := client.TriggerWorkflow(cmd.Context(), id, userID, eventID)
			if err != nil {
				return err
			}
			return printJSON(we)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the execution runs as")
	cmd.Flags().StringVar(&eventID, "event", "", "Event id owning the created jobs")
	return cmd
}

func newWorkflowStatusCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show a workflow execution and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			we, jobs, err := client.GetWorkflowExecution(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"workflow_execution": we, "jobs": jobs})
		},
	}
	return cmd
}

func newJobCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Standalone job operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newJobRunCommand(apiBase))
	cmd.AddCommand(newJobStatusCommand(apiBase))
	return cmd
}

func newJobRunCommand(apiBase *string) *cobra.Command {
	var (
		userID  string
		eventID string
		jobType string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue a single job",
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			job, err := client.RunJob(cmd.Context(), userID, eventID, queue.JobType(jobType), parsed)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the job runs as")
	cmd.Flags().StringVar(&eventID, "event", "", "Event id owning the job")
	cmd.Flags().StringVar(&jobType, "type", "script", "Job type (script, tool_action, http_request)")
	cmd.Flags().StringVar(&payload, "payload", "", "Job payload as a JSON object")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newJobStatusCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
	return cmd
}

func newHealthCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show tool health scores and recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			out, err := client.ToolHealth(cmd.Context())
			if err != nil {
				return err
			}
			var pretty any
			if err := json.Unmarshal(out, &pretty); err != nil {
				return err
			}
			return printJSON(pretty)
		},
	}
	return cmd
}
