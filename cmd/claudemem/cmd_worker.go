package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"claudemem/internal/httpapi"
	"claudemem/internal/logging"
	"claudemem/internal/telemetry"
	"claudemem/internal/worker"
)

var (
	workerForce      bool
	workerBinaryPath string
	telemetryEnabled bool
	telemetryOTLP    string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "worker process lifecycle and HTTP API (spec §4.6, §6)",
}

var workerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the worker HTTP API and run the background outbox drain loop",
	Long: `serve starts the worker's /api/* surface (spec §6) and blocks until it
receives SIGINT/SIGTERM. It is normally spawned detached by
EnsureRunning; run directly for foreground debugging.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.Get(logging.CategoryWorker)

		shutdownTelemetry, err := telemetry.Init(telemetry.Config{
			Enabled:     telemetryEnabled,
			Endpoint:    telemetryOTLP,
			ServiceName: "claudemem-worker",
			Insecure:    true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdownTelemetry(context.Background())

		// Recreate instruments now that Init has (possibly) installed a
		// real exporter-backed MeterProvider; the ones built in
		// PersistentPreRunE were bound to the default no-op provider.
		m, err := telemetry.NewMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		metrics = m

		srv, err := httpapi.New(cfg, metrics)
		if err != nil {
			return fmt.Errorf("init worker server: %w", err)
		}
		defer srv.Close()

		addr, err := listenAddrFromBaseURL(cfg.Worker.BaseURL)
		if err != nil {
			return fmt.Errorf("resolve listen address: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("worker listening on %s", addr)
		if err := httpapi.Serve(ctx, addr, srv); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		log.Info("worker shut down cleanly")
		return nil
	},
}

var workerEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "ensure a worker is running, spawning one if needed (spec §4.6)",
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		binaryPath := workerBinaryPath
		if binaryPath == "" {
			pluginCacheDir := filepath.Join(cfg.Home, "plugin-cache")
			marketplaceCacheDir := filepath.Join(cfg.Home, "marketplace-cache")
			resolved, err := worker.ResolveBinary(wd, pluginCacheDir, marketplaceCacheDir)
			if err != nil {
				return fmt.Errorf("resolve worker binary: %w", err)
			}
			binaryPath = resolved
		}

		lockPath := filepath.Join(cfg.Home, "outbox", "index.lock")
		mgr := worker.New(cfg.Worker, lockPath)
		return mgr.EnsureRunning(context.Background(), binaryPath, workerForce)
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "request a graceful worker shutdown over the loopback API",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Post(cfg.Worker.BaseURL+"/api/shutdown", "application/json", nil)
		if err != nil {
			return fmt.Errorf("request shutdown: %w", err)
		}
		defer resp.Body.Close()
		return nil
	},
}

func listenAddrFromBaseURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "37777"
	}
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

func init() {
	workerEnsureCmd.Flags().BoolVar(&workerForce, "force", false, "force shutdown and respawn even if healthy")
	workerEnsureCmd.Flags().StringVar(&workerBinaryPath, "binary", "", "explicit worker binary path (skips auto-resolution)")
	workerServeCmd.Flags().BoolVar(&telemetryEnabled, "telemetry", false, "enable OpenTelemetry trace/metric export")
	workerServeCmd.Flags().StringVar(&telemetryOTLP, "otlp-endpoint", "localhost:4318", "OTLP/HTTP collector endpoint")

	workerCmd.AddCommand(workerServeCmd, workerEnsureCmd, workerStopCmd)
}
