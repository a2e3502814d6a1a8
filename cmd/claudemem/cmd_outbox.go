package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"claudemem/internal/ids"
	"claudemem/internal/outbox"
)

var outboxDrainProject string

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "durable outbox maintenance commands",
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "drain pending outbox rows to the worker's import endpoint once",
	Long: `drain performs a single drain pass (spec §4.5): it posts the named
project's pending SQLite-mirror rows to the worker's /api/import endpoint
in batches, retrying with backoff on failure. It is the same pass the
worker's background Drain loop runs periodically, exposed here for
manual/cron use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project := outboxDrainProject
		if project == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve cwd: %w", err)
			}
			project = wd
		}
		canonical, err := ids.CanonicalizePath(project)
		if err != nil {
			return fmt.Errorf("canonicalize project: %w", err)
		}

		outboxDir := filepath.Join(cfg.Home, "outbox")
		projectDBPath := filepath.Join(canonical, ".oc", "memory.db")
		ob, err := outbox.New(outboxDir, cfg.Outbox, projectDBPath, cfg.Worker.BaseURL)
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		ob.SetMetrics(metrics)
		defer ob.Close()

		ob.Drain(context.Background())
		return nil
	},
}

func init() {
	outboxDrainCmd.Flags().StringVar(&outboxDrainProject, "project", "", "project root (defaults to cwd)")
	outboxCmd.AddCommand(outboxDrainCmd)
}
