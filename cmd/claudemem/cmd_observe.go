package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"claudemem/internal/core"
)

var (
	observeSessionID string
	observeSource     string
	observeTool       string
	observeArgsJSON   string
	observeOutput     string
	observeProject    string
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "record one tool-execution observation into the durable outbox",
	Long: `observe is the producer-side entry point hooks call after a tool
executes (spec §4.1): it extracts a structured observation from the tool
arguments and output, then pushes it onto the crash-safe outbox for the
Ingestor to promote.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project := observeProject
		if project == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve cwd: %w", err)
			}
			project = wd
		}

		var toolArgs map[string]any
		if observeArgsJSON != "" {
			if err := json.Unmarshal([]byte(observeArgsJSON), &toolArgs); err != nil {
				return fmt.Errorf("parse --args: %w", err)
			}
		}

		c, err := core.Open(cfg, project, core.Dependencies{})
		if err != nil {
			return fmt.Errorf("open core: %w", err)
		}
		defer c.Close()
		c.Router.SetMetrics(metrics)
		c.Outbox.SetMetrics(metrics)

		if observeSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}
		if !c.Record(context.Background(), observeSessionID, observeSource, observeTool, toolArgs, observeOutput) {
			return fmt.Errorf("observation rejected (see logs)")
		}
		return nil
	},
}

func init() {
	observeCmd.Flags().StringVar(&observeSessionID, "session-id", "", "agent session identifier")
	observeCmd.Flags().StringVar(&observeSource, "source", "claude-code", "host source identifier")
	observeCmd.Flags().StringVar(&observeTool, "tool", "", "tool name that was executed")
	observeCmd.Flags().StringVar(&observeArgsJSON, "args", "", "tool arguments as a JSON object")
	observeCmd.Flags().StringVar(&observeOutput, "output", "", "tool output text")
	observeCmd.Flags().StringVar(&observeProject, "project", "", "project root (defaults to cwd)")
}
