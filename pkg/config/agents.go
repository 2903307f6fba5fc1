package config

import (
	"fmt"
	"strconv"
)

// AgentConfig declares one agent: a settings bundle, an enabled-command
// set, a persona and training sources. Unknown settings keys are preserved
// and passed through to provider adapters.
type AgentConfig struct {
	// Name is filled from the map key.
	Name string `yaml:"-" json:"-"`

	// Settings maps recognized and pass-through keys to string/number/bool
	// values. Recognized keys include provider, mode, prompt_category,
	// prompt_name, AI_MODEL, AI_TEMPERATURE, MAX_TOKENS,
	// AUTONOMOUS_EXECUTION, WORKING_DIRECTORY, WAIT_BETWEEN_REQUESTS,
	// WAIT_AFTER_FAILURE and the per-service *_provider selectors.
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty" jsonschema:"title=Settings"`

	// Commands maps command names to enabled/disabled.
	Commands map[string]bool `yaml:"commands,omitempty" json:"commands,omitempty" jsonschema:"title=Commands,description=Enabled command set"`

	// Persona is injected into the {persona} prompt placeholder.
	Persona string `yaml:"persona,omitempty" json:"persona,omitempty" jsonschema:"title=Persona"`

	// TrainingSources lists memory collections consulted at retrieval time.
	TrainingSources []string `yaml:"training_sources,omitempty" json:"training_sources,omitempty" jsonschema:"title=Training Sources"`

	// DisabledProviders removes providers from this agent's candidate set.
	DisabledProviders []string `yaml:"disabled_providers,omitempty" json:"disabled_providers,omitempty" jsonschema:"title=Disabled Providers"`
}

func (c *AgentConfig) SetDefaults(name string) {
	c.Name = name
	if c.Settings == nil {
		c.Settings = make(map[string]any)
	}
	if c.Commands == nil {
		c.Commands = make(map[string]bool)
	}
}

func (c *AgentConfig) Validate() error {
	switch c.SettingString("mode") {
	case "", "prompt", "chain", "command":
	default:
		return fmt.Errorf("invalid mode %q (valid: prompt, chain, command)", c.SettingString("mode"))
	}
	return nil
}

// SettingInt returns a settings value coerced to int, reporting whether
// the key was present and coercible.
func (c *AgentConfig) SettingInt(key string) (int, bool) {
	if c == nil || c.Settings == nil {
		return 0, false
	}
	switch v := c.Settings[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// SettingString returns a settings value coerced to string.
func (c *AgentConfig) SettingString(key string) string {
	if c == nil || c.Settings == nil {
		return ""
	}
	switch v := c.Settings[key].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
