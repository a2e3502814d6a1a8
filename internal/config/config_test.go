package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_SpecNumbers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3500, cfg.Manifest.TokenBudget)
	assert.Equal(t, 4.0, cfg.Manifest.CharsPerToken)
	assert.Equal(t, 50, cfg.Router.DefaultLimit)
	assert.Equal(t, 150, cfg.Router.MaxLimit)
	assert.Equal(t, 0.3, cfg.Hybrid.MinRelevance)
	assert.Equal(t, 0.4, cfg.Hybrid.MinImportance)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "http://localhost:37777", cfg.Worker.BaseURL)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3500, cfg.Manifest.TokenBudget)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Router.DefaultLimit = 77
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 77, loaded.Router.DefaultLimit)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("global path override", func(t *testing.T) {
		t.Setenv("CLAUDE_MEM_GLOBAL_PATH", "/tmp/custom-oc")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "/tmp/custom-oc", cfg.Home)
	})

	t.Run("debug mode forces debug level", func(t *testing.T) {
		t.Setenv("CLAUDE_MEM_DEBUG", "true")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.True(t, cfg.Logging.DebugMode)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("extractor endpoint overrides", func(t *testing.T) {
		t.Setenv("OPENCODE_API_KEY", "k-123")
		t.Setenv("OPENCODE_DISPATCHER_URL", "https://dispatch.opencode.ai")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "k-123", cfg.Extractor.APIKey)
		assert.Equal(t, "https://dispatch.opencode.ai", cfg.Extractor.DispatcherURL)
	})
}

func TestInjectionEnabled(t *testing.T) {
	t.Run("env true overrides project false", func(t *testing.T) {
		t.Setenv("CLAUDE_MEM_INJECTION_ENABLED", "true")
		assert.True(t, InjectionEnabled(false))
	})
	t.Run("env false overrides project true", func(t *testing.T) {
		t.Setenv("CLAUDE_MEM_INJECTION_ENABLED", "false")
		assert.False(t, InjectionEnabled(true))
	})
	t.Run("unset falls back to project default", func(t *testing.T) {
		assert.True(t, InjectionEnabled(true))
		assert.False(t, InjectionEnabled(false))
	})
}
