// Package config holds claude-mem's YAML-backed configuration tree,
// modeled on the teacher's internal/config/config.go Config struct
// pattern (a single nested struct, a DefaultConfig constructor, and a
// layered env-override pass).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all claude-mem configuration.
type Config struct {
	Home    string        `yaml:"home"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	Worker  WorkerConfig  `yaml:"worker"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Router  RouterConfig  `yaml:"router"`
	Hybrid  HybridConfig  `yaml:"hybrid"`
	Manifest ManifestConfig `yaml:"manifest"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Logging LoggingConfig `yaml:"logging"`
}

// OutboxConfig governs the durable outbox (spec §4.5).
type OutboxConfig struct {
	LockBusyWaitMinMs int `yaml:"lock_busy_wait_min_ms"`
	LockBusyWaitMaxMs int `yaml:"lock_busy_wait_max_ms"`
	LockBusyWaitCapMs int `yaml:"lock_busy_wait_cap_ms"`
	LockStaleSeconds  int `yaml:"lock_stale_seconds"`
	DrainBatchSize    int `yaml:"drain_batch_size"`
	MaxAttempts       int `yaml:"max_attempts"`
	BackoffBaseMs     int `yaml:"backoff_base_ms"`
	BackoffCapMs      int `yaml:"backoff_cap_ms"`
}

// WorkerConfig governs worker lifecycle (spec §4.6).
type WorkerConfig struct {
	BaseURL            string `yaml:"base_url"`
	HealthTimeoutMs    int    `yaml:"health_timeout_ms"`
	StartupWaitSeconds int    `yaml:"startup_wait_seconds"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	LockStaleSeconds   int    `yaml:"lock_stale_seconds"`
}

// IngestConfig governs the ingestor daemon (spec §4.7).
type IngestConfig struct {
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	BatchSize         int `yaml:"batch_size"`
	IndexLockStaleSec int `yaml:"index_lock_stale_seconds"`
	HeartbeatSec      int `yaml:"heartbeat_seconds"`
	WatchEnabled      bool `yaml:"watch_enabled"`
}

// RouterConfig governs query dispatch (spec §4.8).
type RouterConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
	CacheEntries int `yaml:"cache_entries"`
}

// HybridConfig governs hybrid search and expansion (spec §4.9).
type HybridConfig struct {
	MinRelevance     float64 `yaml:"min_relevance"`
	MinImportance    float64 `yaml:"min_importance"`
	ExpansionNeighbors int   `yaml:"expansion_neighbors"`
	MinConfidence    float64 `yaml:"min_confidence"`
	MaxExpansionResults int  `yaml:"max_expansion_results"`
}

// ManifestConfig governs context manifest assembly (spec §4.11).
type ManifestConfig struct {
	TokenBudget       int     `yaml:"token_budget"`
	CharsPerToken     float64 `yaml:"chars_per_token"`
	FullDetailCount   int     `yaml:"full_detail_count"`
	CompactCount      int     `yaml:"compact_count"`
	SummaryCount      int     `yaml:"summary_count"`
	FullDetailBudgetPct float64 `yaml:"full_detail_budget_pct"`
}

// ExtractorConfig governs the ExtractorClient (spec §4.12).
type ExtractorConfig struct {
	APIKey        string   `yaml:"api_key"`
	DispatcherURL string   `yaml:"dispatcher_url"`
	AllowedHosts  []string `yaml:"allowed_hosts"`
	MaxOutputChars int     `yaml:"max_output_chars"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration (values drawn from the
// concrete numbers spec.md §4-§5 specify).
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Home: filepath.Join(home, ".oc"),
		Outbox: OutboxConfig{
			LockBusyWaitMinMs: 25,
			LockBusyWaitMaxMs: 50,
			LockBusyWaitCapMs: 2000,
			LockStaleSeconds:  30,
			DrainBatchSize:    10,
			MaxAttempts:       10,
			BackoffBaseMs:     5000,
			BackoffCapMs:      30 * 60 * 1000,
		},
		Worker: WorkerConfig{
			BaseURL:            "http://localhost:37777",
			HealthTimeoutMs:    2000,
			StartupWaitSeconds: 5,
			PollIntervalMs:     500,
			LockStaleSeconds:   30,
		},
		Ingest: IngestConfig{
			PollIntervalMs:    1000,
			BatchSize:         100,
			IndexLockStaleSec: 15,
			HeartbeatSec:      5,
			WatchEnabled:      true,
		},
		Router: RouterConfig{
			DefaultLimit:  50,
			MaxLimit:      150,
			BusyTimeoutMs: 5000,
			CacheEntries:  1024,
		},
		Hybrid: HybridConfig{
			MinRelevance:        0.3,
			MinImportance:       0.4,
			ExpansionNeighbors:  3,
			MinConfidence:       0.5,
			MaxExpansionResults: 100,
		},
		Manifest: ManifestConfig{
			TokenBudget:         3500,
			CharsPerToken:       4.0,
			FullDetailCount:     5,
			CompactCount:        45,
			SummaryCount:        10,
			FullDetailBudgetPct: 0.6,
		},
		Extractor: ExtractorConfig{
			AllowedHosts:   []string{"localhost", "127.0.0.1", "*.opencode.ai"},
			MaxOutputChars: 4000,
			TimeoutSeconds: 15,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads a YAML config file, falling back to defaults for a missing
// file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir for config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides implements the environment variables from spec §6.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLAUDE_MEM_GLOBAL_PATH"); v != "" {
		c.Home = v
	}
	if v := os.Getenv("CLAUDE_MEM_DEBUG"); v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
	if v := os.Getenv("OPENCODE_API_KEY"); v != "" {
		c.Extractor.APIKey = v
	}
	if v := os.Getenv("OPENCODE_DISPATCHER_URL"); v != "" {
		c.Extractor.DispatcherURL = v
	}
}

// InjectionEnabled resolves whether manifest injection is on for a given
// project/agent, honoring the CLAUDE_MEM_INJECTION_ENABLED override before
// any project-level default.
func InjectionEnabled(projectDefault bool) bool {
	switch os.Getenv("CLAUDE_MEM_INJECTION_ENABLED") {
	case "true":
		return true
	case "false":
		return false
	default:
		return projectDefault
	}
}
