package config

import (
	"fmt"
	"strings"
)

// Known provider services. The core routes on these capability names.
const (
	ServiceLLM           = "llm"
	ServiceVision        = "vision"
	ServiceTTS           = "tts"
	ServiceEmbeddings    = "embeddings"
	ServiceTranscription = "transcription"
	ServiceTranslation   = "translation"
	ServiceImage         = "image"
)

var knownServices = map[string]bool{
	ServiceLLM:           true,
	ServiceVision:        true,
	ServiceTTS:           true,
	ServiceEmbeddings:    true,
	ServiceTranscription: true,
	ServiceTranslation:   true,
	ServiceImage:         true,
}

// ProviderConfig declares one provider adapter.
type ProviderConfig struct {
	// Name is filled from the map key.
	Name string `yaml:"-" json:"-"`

	// Type selects the adapter implementation. Currently:
	// openai_compatible (generic OpenAI-style HTTP API).
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=openai_compatible,default=openai_compatible"`

	// Services declares capabilities (llm, vision, tts, embeddings,
	// transcription, translation, image). Defaults to [llm].
	Services []string `yaml:"services,omitempty" json:"services,omitempty" jsonschema:"title=Services"`

	// Model is the default model identifier.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model"`

	// APIKey authenticates against the upstream API. Supports ${VAR}.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Use ${ENV_VAR}"`

	// BaseURL is the upstream endpoint. May be a comma-separated pool;
	// the adapter shuffles the pool per request.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Endpoint or comma-separated pool"`

	// Temperature and TopP defaults, overridable per agent.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,minimum=0,maximum=2,default=0.7"`
	TopP        *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty" jsonschema:"title=Top P,minimum=0,maximum=1"`

	// MaxTokens is the context budget the adapter reports. Default 8192.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,default=8192"`

	// Timeout is the per-call HTTP timeout in seconds. Default 120.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,default=120"`

	// WaitBetweenRequests is the minimum interval in seconds between
	// dispatches for one agent through this provider.
	WaitBetweenRequests int `yaml:"wait_between_requests,omitempty" json:"wait_between_requests,omitempty" jsonschema:"title=Wait Between Requests (s)"`

	// WaitAfterFailure is the backoff in seconds after a transient failure.
	// Default 3.
	WaitAfterFailure int `yaml:"wait_after_failure,omitempty" json:"wait_after_failure,omitempty" jsonschema:"title=Wait After Failure (s),default=3"`

	// MaxFailures bounds same-provider retries before rotation. Default 3.
	MaxFailures int `yaml:"max_failures,omitempty" json:"max_failures,omitempty" jsonschema:"title=Max Failures,default=3"`

	// SmartModel swaps the model when a request carries the use_smartest
	// hint, without changing the provider.
	SmartModel string `yaml:"smart_model,omitempty" json:"smart_model,omitempty" jsonschema:"title=Smart Model"`

	// TLS options for self-hosted endpoints.
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
	CACertificate      string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`

	// Settings carries adapter-specific keys passed through untouched.
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty" jsonschema:"title=Settings,description=Adapter-specific settings"`
}

func (c *ProviderConfig) SetDefaults(name string) {
	c.Name = name
	if c.Type == "" {
		c.Type = "openai_compatible"
	}
	if len(c.Services) == 0 {
		c.Services = []string{ServiceLLM}
	}
	if c.Temperature == nil {
		t := 0.7
		c.Temperature = &t
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.WaitAfterFailure == 0 {
		c.WaitAfterFailure = 3
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
}

func (c *ProviderConfig) Validate() error {
	for _, s := range c.Services {
		if !knownServices[s] {
			return fmt.Errorf("unknown service %q", s)
		}
	}
	if c.Type == "openai_compatible" && c.BaseURL == "" {
		return fmt.Errorf("base_url is required for openai_compatible providers")
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1")
	}
	return nil
}

// URIPool splits the comma-separated base_url into individual endpoints.
func (c *ProviderConfig) URIPool() []string {
	parts := strings.Split(c.BaseURL, ",")
	pool := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			pool = append(pool, trimmed)
		}
	}
	return pool
}

// HasService reports whether the provider declares the given capability.
func (c *ProviderConfig) HasService(service string) bool {
	for _, s := range c.Services {
		if s == service {
			return true
		}
	}
	return false
}
