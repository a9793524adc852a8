package providers

import (
	"time"

	"github.com/osaproject/osa/internal/config"
)

// FromConfig builds a Registry from the provider section of the config.
// Unconfigured providers are still registered so list/info can report them.
func FromConfig(cfg *config.Config) *Registry {
	r := NewRegistry()

	anth := cfg.Providers.Anthropic
	r.Register(Registration{
		Provider: NewAnthropicProvider(anth.APIKey,
			WithAnthropicModel(anth.DefaultModel),
			WithAnthropicBaseURL(anth.BaseURL),
			WithAnthropicRetry(retryFromConfig(anth.MaxRetries)),
		),
		ContextWindow:  anth.ContextWindow,
		ToolCapable:    anth.ToolCapable,
		Configured:     anth.APIKey != "",
		MinToolParamsB: anth.MinToolParamsB,
	})

	oai := cfg.Providers.OpenAI
	r.Register(Registration{
		Provider:      NewOpenAIProvider("openai", oai.APIKey, oai.BaseURL, oai.DefaultModel),
		ContextWindow:  oai.ContextWindow,
		ToolCapable:    oai.ToolCapable,
		Configured:     oai.APIKey != "",
		MinToolParamsB: oai.MinToolParamsB,
	})

	if cfg.Providers.Default != "" {
		_ = r.SetDefault(cfg.Providers.Default)
	}
	return r
}

func retryFromConfig(maxAttempts int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	cfg.BaseDelay = 250 * time.Millisecond
	return cfg
}
