package config

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"
)

// DefaultStateDir is the root of all persisted runtime state.
const DefaultStateDir = "~/.osa"

// Config is the full runtime configuration. Loaded from JSON5, overlaid
// with OSA_* environment variables.
type Config struct {
	StateDir string `json:"state_dir"`

	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Agent     AgentConfig     `json:"agent"`
	Signal    SignalConfig    `json:"signal"`
	Queue     QueueConfig     `json:"queue"`
	Sidecars  []SidecarConfig `json:"sidecars"`
	Monitor   MonitorConfig   `json:"monitor"`
	Skills    SkillsConfig    `json:"skills"`
	Channels  ChannelsConfig  `json:"channels"`
	Telemetry TelemetryConfig `json:"telemetry"`

	mu sync.RWMutex `json:"-"`
}

// GatewayConfig configures the HTTP/SSE/WS ingress.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	JWTSecret      string   `json:"jwt_secret"`       // empty = auth disabled
	RateLimitRPM   int      `json:"rate_limit_rpm"`   // <=0 = disabled
	AllowedOrigins []string `json:"allowed_origins"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	APIKey        string  `json:"api_key"`
	BaseURL       string  `json:"base_url,omitempty"`
	DefaultModel  string  `json:"default_model"`
	ContextWindow int     `json:"context_window"` // token ceiling for the compactor
	MaxRetries    int     `json:"max_retries"`    // transient transport retries (default 3)
	ToolCapable   bool    `json:"tool_capable"`
	// MinToolParamsB gates tool schemas for local models: models whose declared
	// parameter count (billions) is below this receive no tool schemas.
	MinToolParamsB float64 `json:"min_tool_params_b,omitempty"`
}

// ProvidersConfig holds all configured providers.
type ProvidersConfig struct {
	Default   string         `json:"default"`
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// AgentConfig tunes the session worker loop and the compactor.
type AgentConfig struct {
	MaxIterations  int     `json:"max_iterations"`  // ReAct loop cap (default 20)
	KeepLast       int     `json:"keep_last"`       // turns always preserved by compaction (>= 2)
	WarnThreshold  float64 `json:"warn_threshold"`  // default 0.80
	AggrThreshold  float64 `json:"aggr_threshold"`  // default 0.85
	EmerThreshold  float64 `json:"emer_threshold"`  // default 0.95
	ToolTimeout    Seconds `json:"tool_timeout"`    // default 30s
	LLMTimeout     Seconds `json:"llm_timeout"`     // default 120s
	PermissionMode string  `json:"permission_mode"` // default|accept_edits|plan|bypass|deny_all
	BudgetUSD      float64 `json:"budget_usd,omitempty"`
}

// SignalConfig tunes the classifier.
type SignalConfig struct {
	NoiseThreshold float64 `json:"noise_threshold"` // default 0.6
	LLMRefine      bool    `json:"llm_refine"`      // enable LLM refinement pass
	LLMRefineMin   int     `json:"llm_refine_min"`  // min text length for refinement (default 80)
}

// QueueConfig tunes the durable task queue.
type QueueConfig struct {
	Path         string  `json:"path"`          // sqlite file; default {state_dir}/queue.db
	ReapInterval Seconds `json:"reap_interval"` // default 60s
	MaxAttempts  int     `json:"max_attempts"`  // default 3
	DefaultLease Seconds `json:"default_lease"` // default 60s
}

// SidecarConfig describes one stdio JSON-RPC sidecar.
type SidecarConfig struct {
	Name         string             `json:"name"`
	Binary       string             `json:"binary"` // looked up under {state_dir}/bin then PATH
	Args         []string           `json:"args,omitempty"`
	RestartDelay Seconds            `json:"restart_delay"`  // default 5s
	MaxLineBytes int                `json:"max_line_bytes"` // default 1 MiB
	Timeouts     map[string]Seconds `json:"timeouts,omitempty"` // per-method; default 30s
}

// MonitorConfig tunes the proactive monitor.
type MonitorConfig struct {
	Enabled       bool    `json:"enabled"`
	Schedule      string  `json:"schedule"`        // cron expression; default "*/30 * * * *"
	StaleAfter    Seconds `json:"stale_after"`     // session staleness threshold, default 24h
	MemoryMaxKB   int     `json:"memory_max_kb"`   // system-health memory file warning, default 512
	DiskWarnPct   int     `json:"disk_warn_pct"`   // df usage warning, default 90
}

// SkillsConfig configures markdown skill loading.
type SkillsConfig struct {
	Dirs  []string `json:"dirs,omitempty"` // defaults to {state_dir}/skills
	Watch bool     `json:"watch"`          // fsnotify hot reload
}

// TelegramConfig configures the reference Telegram adapter.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// ChannelsConfig holds adapter configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Seconds is a duration expressed as integer seconds in config files.
type Seconds int

// Duration converts the configured seconds, substituting def when unset.
func (s Seconds) Duration(def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}

// Paths derived from the state dir.

func (c *Config) StatePath() string       { return ExpandHome(c.StateDir) }
func (c *Config) SessionsDir() string     { return filepath.Join(c.StatePath(), "sessions") }
func (c *Config) MemoryFile() string      { return filepath.Join(c.StatePath(), "memory.md") }
func (c *Config) TemplatesDir() string    { return c.StatePath() } // prompt templates live at the root
func (c *Config) BinDir() string          { return filepath.Join(c.StatePath(), "bin") }
func (c *Config) QueuePath() string {
	if c.Queue.Path != "" {
		return ExpandHome(c.Queue.Path)
	}
	return filepath.Join(c.StatePath(), "queue.db")
}
func (c *Config) SkillDirs() []string {
	if len(c.Skills.Dirs) > 0 {
		out := make([]string, len(c.Skills.Dirs))
		for i, d := range c.Skills.Dirs {
			out[i] = ExpandHome(d)
		}
		return out
	}
	return []string{filepath.Join(c.StatePath(), "skills")}
}

// Provider returns the named provider config, or the default when name is "".
func (c *Config) Provider(name string) (string, ProviderConfig, bool) {
	if name == "" {
		name = c.Providers.Default
	}
	switch name {
	case "anthropic":
		return name, c.Providers.Anthropic, c.Providers.Anthropic.APIKey != ""
	case "openai":
		return name, c.Providers.OpenAI, c.Providers.OpenAI.APIKey != ""
	}
	return name, ProviderConfig{}, false
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields replaced by a mask,
// safe to expose over the API. The copy goes through a JSON round-trip so
// nested slices are not shared with the live config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.JWTSecret)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
