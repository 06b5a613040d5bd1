package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars and clamps.
// A missing file is not an error; defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.clamp()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values. Millisecond knobs are plain integers in the environment.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envMs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}

	envInt("RUNTIME_PORT", &c.Runtime.Port)
	envStr("RUNTIME_SECRET", &c.Runtime.Secret)
	envStr("GRPC_ADDR", &c.Runtime.GRPCAddr)
	envStr("GATEWAY_ADDR", &c.Runtime.GatewayAddr)
	envMs("CHANNEL_SEND_TIMEOUT_MS", &c.Runtime.ChannelSendTimeout)

	envInt("RUN_EVENT_BUFFER_SIZE", &c.Broker.MaxEventsPerRun)
	envMs("RUN_RETENTION_MS", &c.Broker.RunRetention)
	envMs("RUN_STORE_CLEANUP_INTERVAL_MS", &c.Broker.CleanupInterval)
	envMs("RUN_IDEMPOTENCY_TTL_MS", &c.Broker.IdempotencyTTL)

	envStr("LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("LLM_API_KEY", &c.LLM.APIKey)
	envStr("LLM_DEFAULT_MODEL", &c.LLM.DefaultModel)

	envInt("PLUGIN_MAX_CONCURRENCY", &c.Plugins.MaxConcurrencyPerPlugin)
	envMs("PLUGIN_QUEUE_TIMEOUT_MS", &c.Plugins.QueueTimeout)
	envMs("PLUGIN_EXECUTION_TIMEOUT_MS", &c.Plugins.ExecutionTimeout)
	envInt("PLUGIN_FAILURE_THRESHOLD", &c.Plugins.FailureThreshold)
	envMs("PLUGIN_FAILURE_COOLDOWN_MS", &c.Plugins.FailureCooldown)
	envStr("PLUGIN_INSTALL_DIR", &c.Plugins.InstallDir)

	envStr("CLAWRUN_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLAWRUN_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("CLAWRUN_BRAVE_API_KEY", &c.WebSearch.BraveAPIKey)

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
}
