package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"claudemem/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkerCfg(baseURL string) config.WorkerConfig {
	return config.WorkerConfig{
		BaseURL:            baseURL,
		HealthTimeoutMs:    200,
		StartupWaitSeconds: 2,
		PollIntervalMs:     50,
		LockStaleSeconds:   30,
	}
}

func TestHealthy_TrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(testWorkerCfg(srv.URL), filepath.Join(t.TempDir(), "worker.lock"))
	assert.True(t, m.Healthy(context.Background()))
}

func TestHealthy_FalseOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := New(testWorkerCfg(srv.URL), filepath.Join(t.TempDir(), "worker.lock"))
	assert.False(t, m.Healthy(context.Background()))
}

func TestHealthy_FalseWhenUnreachable(t *testing.T) {
	m := New(testWorkerCfg("http://127.0.0.1:1"), filepath.Join(t.TempDir(), "worker.lock"))
	assert.False(t, m.Healthy(context.Background()))
}

func TestEnsureRunning_NoOpWhenAlreadyHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(testWorkerCfg(srv.URL), filepath.Join(t.TempDir(), "worker.lock"))
	err := m.EnsureRunning(context.Background(), "/nonexistent/binary", false)
	require.NoError(t, err)
}

func TestResolveBinary_EnvOverrideWins(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable-bit probe is unix-specific")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "worker-bin")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))
	t.Setenv("CLAUDE_MEM_WORKER_PATH", bin)

	got, err := ResolveBinary(t.TempDir(), t.TempDir(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}

func TestResolveBinary_NoneFoundReturnsUnavailable(t *testing.T) {
	t.Setenv("CLAUDE_MEM_WORKER_PATH", "")
	_, err := ResolveBinary(t.TempDir(), t.TempDir(), t.TempDir())
	assert.Error(t, err)
}

func TestHighestSemverSubdir_PicksLexicographicallyLast(t *testing.T) {
	dir := t.TempDir()
	for _, v := range []string{"1.0.0", "1.2.0", "0.9.0"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, v), 0755))
	}
	got, ok := highestSemverSubdir(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "1.2.0"), got)
}

func TestEnsureRunning_ReturnsWhenHealthyWhileWaitingForLock(t *testing.T) {
	var becameHealthy bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if becameHealthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	lockPath := filepath.Join(t.TempDir(), "worker.lock")
	cfg := testWorkerCfg(srv.URL)
	m := New(cfg, lockPath)

	holder := New(cfg, lockPath)
	_ = holder // the lock file below simulates holder's exclusive-create

	go func() {
		time.Sleep(100 * time.Millisecond)
		becameHealthy = true
	}()

	err := m.EnsureRunning(context.Background(), "/nonexistent/binary", false)
	require.NoError(t, err)
}
