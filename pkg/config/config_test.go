package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 8080
  api_key: ${ENSEMBLE_API_KEY}

providers:
  local:
    base_url: ${LLM_URL:-http://localhost:8000/v1}
    model: llama3
    services: [llm, embeddings]

agents:
  helper:
    settings:
      mode: prompt
      provider: local
    commands:
      echo: true

chains:
  pipeline:
    steps:
      - step_number: 1
        prompt_type: command
        prompt:
          command_name: echo
          text: "{user_input}"

prompts:
  assistant/default: "{persona}\n\n{user_input}"
`

func loadSample(t *testing.T) *Config {
	t.Helper()
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("ENSEMBLE_API_KEY", "sk-test")

	cfg := loadSample(t)
	assert.Equal(t, "sk-test", cfg.Server.APIKey)
	// LLM_URL is unset, so the default applies.
	assert.Equal(t, "http://localhost:8000/v1", cfg.Providers["local"].BaseURL)
}

func TestParseExpandsSetVariableOverDefault(t *testing.T) {
	t.Setenv("LLM_URL", "https://inference.internal/v1")

	cfg := loadSample(t)
	assert.Equal(t, "https://inference.internal/v1", cfg.Providers["local"].BaseURL)
}

func TestSetDefaultsFillsEverySection(t *testing.T) {
	cfg := loadSample(t)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Server.RequestTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Server.StepTimeout)
	assert.Equal(t, 3, cfg.Server.MaxHeavyTasks)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())

	p := cfg.Providers["local"]
	assert.Equal(t, "local", p.Name)
	assert.Equal(t, "openai_compatible", p.Type)
	assert.Equal(t, 3, p.MaxFailures)
	assert.Equal(t, 8192, p.MaxTokens)
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.7, *p.Temperature, 0.001)

	a := cfg.Agents["helper"]
	assert.Equal(t, "helper", a.Name)
	assert.True(t, a.Commands["echo"])

	assert.Equal(t, "pipeline", cfg.Chains["pipeline"].Name)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "step timeout exceeds request timeout",
			mutate:  func(c *Config) { c.Server.StepTimeout = 20 * time.Minute },
			wantErr: "step_timeout",
		},
		{
			name:    "unknown provider service",
			mutate:  func(c *Config) { c.Providers["local"].Services = []string{"telepathy"} },
			wantErr: `unknown service "telepathy"`,
		},
		{
			name:    "missing base_url",
			mutate:  func(c *Config) { c.Providers["local"].BaseURL = "" },
			wantErr: "base_url is required",
		},
		{
			name:    "invalid agent mode",
			mutate:  func(c *Config) { c.Agents["helper"].Settings["mode"] = "vibes" },
			wantErr: "invalid mode",
		},
		{
			name:    "agent references unknown provider",
			mutate:  func(c *Config) { c.Agents["helper"].Settings["provider"] = "missing" },
			wantErr: `unknown provider "missing"`,
		},
		{
			name: "duplicate chain step numbers",
			mutate: func(c *Config) {
				ch := c.Chains["pipeline"]
				ch.Steps = append(ch.Steps, ch.Steps[0])
			},
			wantErr: "duplicate step_number",
		},
		{
			name: "invalid step prompt type",
			mutate: func(c *Config) {
				c.Chains["pipeline"].Steps[0].PromptType = "ritual"
			},
			wantErr: "invalid prompt_type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadSample(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestURIPoolSplitsAndTrims(t *testing.T) {
	p := &ProviderConfig{BaseURL: "http://a:8000/v1, http://b:8000/v1 ,"}
	assert.Equal(t, []string{"http://a:8000/v1", "http://b:8000/v1"}, p.URIPool())
}

func TestSettingStringCoercesScalarTypes(t *testing.T) {
	a := &AgentConfig{Settings: map[string]any{
		"mode":                 "chain",
		"AUTONOMOUS_EXECUTION": true,
		"MAX_TOKENS":           4096,
		"AI_TEMPERATURE":       0.2,
	}}

	assert.Equal(t, "chain", a.SettingString("mode"))
	assert.Equal(t, "true", a.SettingString("AUTONOMOUS_EXECUTION"))
	assert.Equal(t, "4096", a.SettingString("MAX_TOKENS"))
	assert.Equal(t, "0.2", a.SettingString("AI_TEMPERATURE"))
	assert.Equal(t, "", a.SettingString("absent"))
}

func TestSettingIntCoercesScalarTypes(t *testing.T) {
	a := &AgentConfig{Settings: map[string]any{
		"WAIT_BETWEEN_REQUESTS": 5,
		"WAIT_AFTER_FAILURE":    "10",
		"MAX_TOKENS":            4096.0,
		"persona_note":          "not a number",
	}}

	v, ok := a.SettingInt("WAIT_BETWEEN_REQUESTS")
	assert.True(t, ok)
	assert.Equal(t, 5, v)

	v, ok = a.SettingInt("WAIT_AFTER_FAILURE")
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	v, ok = a.SettingInt("MAX_TOKENS")
	assert.True(t, ok)
	assert.Equal(t, 4096, v)

	_, ok = a.SettingInt("persona_note")
	assert.False(t, ok)
	_, ok = a.SettingInt("absent")
	assert.False(t, ok)

	var nilAgent *AgentConfig
	_, ok = nilAgent.SettingInt("anything")
	assert.False(t, ok)
}

func TestAuthConfigFlags(t *testing.T) {
	var nilAuth *AuthConfig
	assert.False(t, nilAuth.IsEnabled())
	assert.True(t, nilAuth.IsRequireAuth())

	enabled := &AuthConfig{JWKSURL: "https://idp.example.com/jwks"}
	assert.True(t, enabled.IsEnabled())
	assert.True(t, enabled.IsRequireAuth())

	off := false
	relaxed := &AuthConfig{JWKSURL: "https://idp.example.com/jwks", RequireAuth: &off}
	assert.False(t, relaxed.IsRequireAuth())
}
