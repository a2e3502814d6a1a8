package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"claudemem/internal/ingest"
)

var ingestOnce bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "single-writer daemon that promotes outbox JSONL into project stores",
}

var ingestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "run the Ingestor daemon (spec §4.7)",
	Long: `run starts the Ingestor: it acquires the cross-process index lock,
then polls cfg.Home/outbox for *.jsonl files, groups each file's events by
project, hardens and canonicalizes each project path, and promotes events
into that project's SQLite store plus the global materialized index. With
--once it runs a single poll tick and exits, for cron-style invocation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outboxDir := filepath.Join(cfg.Home, "outbox")
		globalPath := filepath.Join(cfg.Home, "index.db")

		d, err := ingest.New(cfg.Ingest, cfg.Home, outboxDir, globalPath)
		if err != nil {
			return fmt.Errorf("init ingestor: %w", err)
		}
		d.SetMetrics(metrics)

		if ingestOnce {
			if err := d.Start(); err != nil {
				return fmt.Errorf("acquire ingest lock: %w", err)
			}
			defer d.Stop()
			d.Tick(context.Background())
			return nil
		}

		if err := d.Start(); err != nil {
			return fmt.Errorf("acquire ingest lock: %w", err)
		}
		defer d.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

func init() {
	ingestRunCmd.Flags().BoolVar(&ingestOnce, "once", false, "run a single poll tick and exit")
	ingestCmd.AddCommand(ingestRunCmd)
}
