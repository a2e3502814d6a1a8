// Command claudemem is the memory substrate's single binary: it exposes
// both the producer-side commands (observe, outbox drain) and the
// daemon commands (worker serve/ensure/stop, ingest run, query, manifest
// build), following the teacher's cmd/nerd/main.go pattern of one cobra
// root command wired up in an init() alongside package-level flags.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"claudemem/internal/config"
	"claudemem/internal/logging"
	"claudemem/internal/manifest"
	"claudemem/internal/telemetry"
)

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *telemetry.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "claudemem",
	Short: "claudemem - local-first observation memory substrate for coding agents",
	Long: `claudemem captures structured observations of agent tool executions,
persists them durably across processes, ingests them into per-project
indexed stores, and assembles token-budgeted context for injection into
future agent prompts.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded

		zcfg := zap.NewProductionConfig()
		if verbose || cfg.Logging.DebugMode {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("init zap logger: %w", err)
		}
		logger = l

		logCfg := logging.Config{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		}
		if err := logging.Initialize(cfg.Home, logCfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}

		m, err := telemetry.NewMetrics()
		if err != nil {
			return fmt.Errorf("init telemetry instruments: %w", err)
		}
		metrics = m
		manifest.SetMetrics(metrics)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(home, ".oc", "config.yaml"), "path to config.yaml")

	rootCmd.AddCommand(
		observeCmd,
		outboxCmd,
		workerCmd,
		ingestCmd,
		queryCmd,
		manifestCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
