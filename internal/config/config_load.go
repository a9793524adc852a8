package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8420,
			RateLimitRPM: 0,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			Anthropic: ProviderConfig{
				DefaultModel:  "claude-sonnet-4-5",
				ContextWindow: 200000,
				MaxRetries:    3,
				ToolCapable:   true,
			},
			OpenAI: ProviderConfig{
				DefaultModel:  "gpt-4o",
				ContextWindow: 128000,
				MaxRetries:    3,
				ToolCapable:   true,
			},
		},
		Agent: AgentConfig{
			MaxIterations:  20,
			KeepLast:       4,
			WarnThreshold:  0.80,
			AggrThreshold:  0.85,
			EmerThreshold:  0.95,
			PermissionMode: "default",
		},
		Signal: SignalConfig{
			NoiseThreshold: 0.6,
			LLMRefineMin:   80,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			Schedule:    "*/30 * * * *",
			MemoryMaxKB: 512,
			DiskWarnPct: 90,
		},
		Skills: SkillsConfig{
			Watch: true,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults (first-run case).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OSA_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OSA_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OSA_ANTHROPIC_MODEL", &c.Providers.Anthropic.DefaultModel)
	envStr("OSA_OPENAI_MODEL", &c.Providers.OpenAI.DefaultModel)
	envStr("OSA_PROVIDER", &c.Providers.Default)
	envStr("OSA_JWT_SECRET", &c.Gateway.JWTSecret)
	envStr("OSA_STATE_DIR", &c.StateDir)
	envStr("OSA_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OSA_HOST", &c.Gateway.Host)

	if v := os.Getenv("OSA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	envStr("OSA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OSA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OSA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// HasAnyProvider reports whether at least one provider has credentials.
func (c *Config) HasAnyProvider() bool {
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenAI.APIKey != ""
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
