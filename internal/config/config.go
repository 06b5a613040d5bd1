// Package config holds the runtime configuration: defaults, an optional
// JSON5 config file, then environment overrides (env wins). Broker knobs are
// clamped to safe ranges after loading.
package config

import (
	"time"
)

// Config is the root configuration for the clawrun runtime.
type Config struct {
	Runtime   RuntimeConfig   `json:"runtime"`
	Broker    BrokerConfig    `json:"broker"`
	LLM       LLMConfig       `json:"llm"`
	Plugins   PluginsConfig   `json:"plugins"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	WebSearch WebSearchConfig `json:"web_search,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// RuntimeConfig configures the runtime HTTP server and its peers.
type RuntimeConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`         // RUNTIME_PORT
	Secret      string `json:"-"`            // RUNTIME_SECRET, env only
	GRPCAddr    string `json:"grpc_addr"`    // persistence service (GRPC_ADDR)
	GatewayAddr string `json:"gateway_addr"` // gateway base URL (GATEWAY_ADDR)

	ChannelSendTimeout time.Duration `json:"-"` // CHANNEL_SEND_TIMEOUT_MS
}

// BrokerConfig bounds the in-memory run store.
type BrokerConfig struct {
	MaxEventsPerRun int           `json:"max_events_per_run"` // RUN_EVENT_BUFFER_SIZE, clamp 100..5000
	RunRetention    time.Duration `json:"-"`                  // RUN_RETENTION_MS, min 60s
	CleanupInterval time.Duration `json:"-"`                  // RUN_STORE_CLEANUP_INTERVAL_MS, min 10s
	IdempotencyTTL  time.Duration `json:"-"`                  // RUN_IDEMPOTENCY_TTL_MS, min 10s
}

// LLMConfig configures the OpenAI-compatible provider endpoint.
type LLMConfig struct {
	BaseURL      string `json:"base_url"`      // LLM_BASE_URL
	APIKey       string `json:"-"`             // LLM_API_KEY, env only
	DefaultModel string `json:"default_model"` // fallback when agent config names none
}

// PluginsConfig configures the plugin tool host and its execution guard.
type PluginsConfig struct {
	InstallDir string `json:"install_dir"` // root for installed plugin directories
	NodeBin    string `json:"node_bin"`    // node executable for tool plugin entries

	MaxConcurrencyPerPlugin int           `json:"max_concurrency_per_plugin"`
	QueueTimeout            time.Duration `json:"-"` // PLUGIN_QUEUE_TIMEOUT_MS
	ExecutionTimeout        time.Duration `json:"-"` // PLUGIN_EXECUTION_TIMEOUT_MS
	FailureThreshold        int           `json:"failure_threshold"`
	FailureCooldown         time.Duration `json:"-"` // PLUGIN_FAILURE_COOLDOWN_MS
}

// GatewayConfig configures the webhook-facing gateway server.
type GatewayConfig struct {
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	RuntimeAddr    string  `json:"runtime_addr"` // where /channel-run dispatches go
	RateLimitRPM   int     `json:"rate_limit_rpm"`
	SendRatePerSec float64 `json:"send_rate_per_sec"` // outbound per-channel pacing
}

// DatabaseConfig selects the gateway store backend.
// PostgresDSN is never read from the config file, only CLAWRUN_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode fallback
}

// WebSearchConfig selects the gateway-side search provider.
type WebSearchConfig struct {
	Provider    string `json:"provider"` // "brave" or "duckduckgo"
	BraveAPIKey string `json:"-"`        // CLAWRUN_BRAVE_API_KEY, env only
	MaxResults  int    `json:"max_results"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Host:               "0.0.0.0",
			Port:               8082,
			GRPCAddr:           "127.0.0.1:9090",
			GatewayAddr:        "http://127.0.0.1:8081",
			ChannelSendTimeout: 15 * time.Second,
		},
		Broker: BrokerConfig{
			MaxEventsPerRun: 1200,
			RunRetention:    30 * time.Minute,
			CleanupInterval: 30 * time.Second,
			IdempotencyTTL:  10 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o-mini",
		},
		Plugins: PluginsConfig{
			InstallDir:              "~/.clawrun/plugins",
			NodeBin:                 "node",
			MaxConcurrencyPerPlugin: 2,
			QueueTimeout:            5 * time.Second,
			ExecutionTimeout:        30 * time.Second,
			FailureThreshold:        5,
			FailureCooldown:         60 * time.Second,
		},
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			RuntimeAddr:    "http://127.0.0.1:8082",
			RateLimitRPM:   30,
			SendRatePerSec: 1,
		},
		WebSearch: WebSearchConfig{
			Provider:   "duckduckgo",
			MaxResults: 5,
		},
		Telemetry: TelemetryConfig{
			Protocol: "http",
		},
	}
}

// clamp bounds the broker and plugin knobs after file + env loading.
func (c *Config) clamp() {
	c.Broker.MaxEventsPerRun = clampInt(c.Broker.MaxEventsPerRun, 100, 5000)
	c.Broker.RunRetention = clampDurMin(c.Broker.RunRetention, time.Minute)
	c.Broker.CleanupInterval = clampDurMin(c.Broker.CleanupInterval, 10*time.Second)
	c.Broker.IdempotencyTTL = clampDurMin(c.Broker.IdempotencyTTL, 10*time.Second)

	if c.Runtime.ChannelSendTimeout <= 0 {
		c.Runtime.ChannelSendTimeout = 15 * time.Second
	}
	if c.Plugins.MaxConcurrencyPerPlugin <= 0 {
		c.Plugins.MaxConcurrencyPerPlugin = 1
	}
	if c.Plugins.FailureThreshold <= 0 {
		c.Plugins.FailureThreshold = 5
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDurMin(v, lo time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	return v
}
