// Package worker implements the ensure_worker_running() idempotent
// lifecycle protocol from spec §4.6: health probe, lock-gated spawn of a
// detached worker process, and startup/restart discipline.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/lockfile"
	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"

	"github.com/cenkalti/backoff/v5"
)

// Manager owns the lock and HTTP client used to probe and start the
// worker process.
type Manager struct {
	cfg        config.WorkerConfig
	lockPath   string
	httpClient *http.Client
}

// New constructs a Manager. lockPath is typically ~/.oc/worker.lock.
func New(cfg config.WorkerConfig, lockPath string) *Manager {
	return &Manager{
		cfg:      cfg,
		lockPath: lockPath,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.HealthTimeoutMs) * time.Millisecond,
		},
	}
}

// Healthy probes GET /api/health with the configured timeout.
func (m *Manager) Healthy(ctx context.Context) bool {
	timeout := time.Duration(m.cfg.HealthTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.cfg.BaseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ResolveBinary probes a prioritized candidate list for a recognizable
// worker entry point (spec §4.6): explicit env override, project-local,
// plugin cache by descending semver directory, then marketplace cache.
func ResolveBinary(projectRoot, pluginCacheDir, marketplaceCacheDir string) (string, error) {
	if override := os.Getenv("CLAUDE_MEM_WORKER_PATH"); override != "" {
		if isWorkerEntry(override) {
			return override, nil
		}
	}

	candidates := []string{
		filepath.Join(projectRoot, "node_modules", ".bin", "claude-mem-worker"),
		filepath.Join(projectRoot, ".oc", "worker"),
	}
	for _, c := range candidates {
		if isWorkerEntry(c) {
			return c, nil
		}
	}

	if dir, ok := highestSemverSubdir(pluginCacheDir); ok {
		entry := filepath.Join(dir, "worker")
		if isWorkerEntry(entry) {
			return entry, nil
		}
	}
	if dir, ok := highestSemverSubdir(marketplaceCacheDir); ok {
		entry := filepath.Join(dir, "worker")
		if isWorkerEntry(entry) {
			return entry, nil
		}
	}

	return "", ocerrors.NewUnavailable("no worker entry point found in any candidate location", nil)
}

func isWorkerEntry(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS != "windows" {
		return info.Mode()&0111 != 0
	}
	return true
}

func highestSemverSubdir(root string) (string, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", false
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return filepath.Join(root, dirs[0]), true
}

// EnsureRunning implements the six-step protocol from spec §4.6. binaryPath
// is the resolved worker entry point (see ResolveBinary); force triggers a
// shutdown-then-restart even if currently healthy.
func (m *Manager) EnsureRunning(ctx context.Context, binaryPath string, force bool) error {
	log := logging.Get(logging.CategoryWorker)

	if !force && m.Healthy(ctx) {
		log.Debug("worker already healthy, nothing to do")
		return nil
	}
	if force {
		m.shutdown(ctx)
	}

	staleAfter := time.Duration(m.cfg.LockStaleSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	lk := lockfile.New(m.lockPath, staleAfter, 0)

	waitDeadline := time.Now().Add(5 * time.Second)
	var acquired bool
	for time.Now().Before(waitDeadline) {
		ok, err := lk.TryAcquire("worker")
		if err != nil {
			return ocerrors.NewLockContention("acquire worker lock", err)
		}
		if ok {
			acquired = true
			break
		}
		if m.Healthy(ctx) {
			log.Debug("worker became healthy while waiting for the lock")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	if !acquired {
		return ocerrors.NewLockContention("timed out waiting for worker lock", nil)
	}
	defer lk.Release()

	if m.Healthy(ctx) {
		return nil
	}

	if err := m.spawn(binaryPath); err != nil {
		return err
	}

	return m.waitForHealth(ctx)
}

func (m *Manager) spawn(binaryPath string) error {
	log := logging.Get(logging.CategoryWorker)
	cmd := exec.Command(binaryPath, "serve")
	cmd.Env = append(os.Environ(), "CLAUDE_MEM_MANAGED=true")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		log.Error("spawn worker %s: %v", binaryPath, err)
		return ocerrors.NewUnavailable("spawn worker process", err)
	}
	log.Info("spawned worker pid=%d binary=%s", cmd.Process.Pid, binaryPath)
	_ = cmd.Process.Release()
	return nil
}

func (m *Manager) waitForHealth(ctx context.Context) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 500 * time.Millisecond
	boff.MaxInterval = 500 * time.Millisecond
	boff.MaxElapsedTime = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if m.Healthy(ctx) {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("worker not yet healthy")
	}, backoff.WithBackOff(boff))
	if err != nil {
		return ocerrors.NewUnavailable("worker did not become healthy within startup window", err)
	}
	return nil
}

// shutdown issues a best-effort --force shutdown probe before restart;
// failures are non-fatal since EnsureRunning will attempt to spawn a fresh
// process regardless.
func (m *Manager) shutdown(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.BaseURL+"/api/shutdown", nil)
	if err != nil {
		return
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
