// Package config loads the control plane's configuration surface: a TOML
// file for structured settings, a .env overlay for environment-specific
// secrets and overrides, and defaulting/clamping applied once at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/coreplane/agentcore/delegation"
)

// ObservabilityConfig mirrors its Observability config block.
type ObservabilityConfig struct {
	Enabled       bool   `toml:"enabled"`
	Debug         bool   `toml:"debug"`
	RedactionMode string `toml:"redaction_mode"`

	Audit struct {
		Enabled      bool   `toml:"enabled"`
		Dir          string `toml:"dir"`
		MaxPayloadB  int    `toml:"max_payload_bytes"`
		MaxQueueSize int    `toml:"max_queue_size"`
	} `toml:"audit"`

	Spend struct {
		Enabled     bool                       `toml:"enabled"`
		Dir         string                     `toml:"dir"`
		SummaryPath string                     `toml:"summary_path"`
		Pricing     map[string]PricingEntry    `toml:"pricing"`
	} `toml:"spend"`

	Health struct {
		FailureThreshold int `toml:"failure_threshold"`
		WindowMs         int `toml:"window_ms"`
		OpenMs           int `toml:"open_ms"`
	} `toml:"health"`

	Stream struct {
		Enabled                 bool  `toml:"enabled"`
		ReplayWindowMs          int64 `toml:"replay_window_ms"`
		ServerMaxEventsPerSec   int   `toml:"server_max_events_per_sec"`
		ServerMaxBufferedEvents int   `toml:"server_max_buffered_events"`
		MessageMaxBytes         int   `toml:"message_max_bytes"`
	} `toml:"stream"`
}

// PricingEntry is one modelRef's per-1k-token pricing.
type PricingEntry struct {
	InputPer1kUSD  float64 `toml:"input_per_1k_usd"`
	OutputPer1kUSD float64 `toml:"output_per_1k_usd"`
}

// DelegationConfig mirrors its delegation defaults block.
type DelegationConfig struct {
	TimeoutMs              int `toml:"timeout_ms"`
	MaxDepth               int `toml:"max_depth"`
	MaxCallsPerTrace       int `toml:"max_calls_per_trace"`
	MaxToolCalls           int `toml:"max_tool_calls"`
	DedupeWindowMs         int `toml:"dedupe_window_ms"`
	PairRateLimitPerMinute int `toml:"pair_rate_limit_per_minute"`
}

// ToLimits converts the config block into a clamped delegation.Limits.
func (d DelegationConfig) ToLimits() delegation.Limits {
	return delegation.Limits{
		TimeoutMs: d.TimeoutMs, MaxDepth: d.MaxDepth, MaxCallsPerTrace: d.MaxCallsPerTrace,
		MaxToolCalls: d.MaxToolCalls, DedupeWindowMs: d.DedupeWindowMs, PairRateLimitPerMinute: d.PairRateLimitPerMinute,
	}.Clamp()
}

// RouteConfig mirrors one entry's model router routes map.
type RouteConfig struct {
	Primary   string   `toml:"primary"`
	Fallbacks []string `toml:"fallbacks"`
}

// ModelRouterConfig mirrors its model router config block.
type ModelRouterConfig struct {
	Enabled           bool                   `toml:"enabled"`
	DefaultRoute      string                 `toml:"default_route"`
	DisabledProviders []string               `toml:"disabled_providers"`
	Routes            map[string]RouteConfig `toml:"routes"`
}

// Config is the fully loaded, defaulted configuration surface.
type Config struct {
	Observability ObservabilityConfig `toml:"observability"`
	Delegation    DelegationConfig    `toml:"delegation"`
	ModelRouter   ModelRouterConfig   `toml:"model_router"`
	PolicyDir     string              `toml:"policy_dir"`
	WorkspaceRoot string              `toml:"workspace_root"`
}

// Default returns the configuration defaults used when a file omits a
// section entirely.
func Default() Config {
	var c Config
	c.Observability.Enabled = true
	c.Observability.RedactionMode = "strict"
	c.Observability.Audit.Enabled = true
	c.Observability.Audit.Dir = "_shared/audit"
	c.Observability.Audit.MaxPayloadB = 8192
	c.Observability.Audit.MaxQueueSize = 10_000
	c.Observability.Health.FailureThreshold = 3
	c.Observability.Health.WindowMs = 60_000
	c.Observability.Health.OpenMs = 60_000
	c.Observability.Stream.Enabled = true
	c.Observability.Stream.ServerMaxEventsPerSec = 20
	c.Observability.Stream.ServerMaxBufferedEvents = 200
	c.Observability.Stream.MessageMaxBytes = 64 * 1024

	c.Observability.Spend.Enabled = true
	c.Observability.Spend.Dir = "_shared/spend"
	c.Observability.Spend.SummaryPath = "_shared/spend/summary.json"

	c.Delegation = DelegationConfig{
		TimeoutMs: 120_000, MaxDepth: 3, MaxCallsPerTrace: 8, MaxToolCalls: 24,
		DedupeWindowMs: 60_000, PairRateLimitPerMinute: 6,
	}

	c.ModelRouter.Enabled = true
	c.ModelRouter.DefaultRoute = "everyday"

	c.WorkspaceRoot = "."
	c.PolicyDir = "_shared/policy"
	return c
}

// Load reads a TOML config file at path (if it exists), overlays a .env
// file at envPath (if it exists) onto the process environment, and returns
// the result merged onto Default(). A missing configPath is not an error —
// defaults apply.
func Load(configPath, envPath string) (Config, error) {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return Config{}, fmt.Errorf("load env overlay %s: %w", envPath, err)
			}
		}
	}

	cfg := Default()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode config %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets a small set of environment variables override the
// loaded config, applied after file decoding so they always win.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTCORE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("AGENTCORE_REDACTION_MODE"); v != "" {
		cfg.Observability.RedactionMode = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTCORE_AUDIT_DIR"); v != "" {
		cfg.Observability.Audit.Dir = v
	}
	if v := os.Getenv("AGENTCORE_STREAM_MAX_EVENTS_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Observability.Stream.ServerMaxEventsPerSec = n
		}
	}
}
