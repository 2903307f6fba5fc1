// Package config defines the server configuration model.
//
// Configuration is YAML with ${VAR} / ${VAR:-default} environment expansion.
// Every section implements SetDefaults and Validate; Load applies both.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// Server configures the HTTP surface and runtime limits.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP server and runtime limits"`

	// Storage configures the conversation/prompt datastore.
	Storage StorageConfig `yaml:"storage,omitempty" json:"storage,omitempty" jsonschema:"title=Storage,description=Conversation and prompt persistence"`

	// Memory configures the optional vector memory backend.
	Memory MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty" jsonschema:"title=Memory,description=Vector memory retrieval backend"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability,description=Tracing and metrics"`

	// Providers declares the LLM/service provider adapters by name.
	Providers map[string]*ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty" jsonschema:"title=Providers,description=Provider adapters keyed by name"`

	// Agents declares agents by name.
	Agents map[string]*AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty" jsonschema:"title=Agents,description=Agent definitions keyed by name"`

	// Extensions declares extension sources by name.
	Extensions map[string]*ExtensionConfig `yaml:"extensions,omitempty" json:"extensions,omitempty" jsonschema:"title=Extensions,description=Extension sources keyed by name"`

	// Chains declares chain scripts by name.
	Chains map[string]*ChainConfig `yaml:"chains,omitempty" json:"chains,omitempty" jsonschema:"title=Chains,description=Chain scripts keyed by name"`

	// Prompts declares prompt templates as "category/name" keys.
	Prompts map[string]string `yaml:"prompts,omitempty" json:"prompts,omitempty" jsonschema:"title=Prompts,description=Prompt templates keyed by category/name"`
}

// Parse unmarshals raw YAML bytes into a Config, after env expansion.
func Parse(raw []byte) (*Config, error) {
	expanded := expandEnvBytes(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults applies defaults across all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Memory.SetDefaults()
	c.Observability.SetDefaults()

	for name, p := range c.Providers {
		if p != nil {
			p.SetDefaults(name)
		}
	}
	for name, a := range c.Agents {
		if a != nil {
			a.SetDefaults(name)
		}
	}
	for name, e := range c.Extensions {
		if e != nil {
			e.SetDefaults(name)
		}
	}
	for name, ch := range c.Chains {
		if ch != nil {
			ch.SetDefaults(name)
		}
	}
}

// Validate checks all sections. The first error wins.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	for name, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("provider %q: empty definition", name)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}

	for name, a := range c.Agents {
		if a == nil {
			return fmt.Errorf("agent %q: empty definition", name)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		if provider := a.SettingString("provider"); provider != "" && provider != "default" {
			if _, ok := c.Providers[provider]; !ok {
				return fmt.Errorf("agent %q: unknown provider %q", name, provider)
			}
		}
	}

	for name, e := range c.Extensions {
		if e == nil {
			return fmt.Errorf("extension %q: empty definition", name)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("extension %q: %w", name, err)
		}
	}

	for name, ch := range c.Chains {
		if ch == nil {
			return fmt.Errorf("chain %q: empty definition", name)
		}
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("chain %q: %w", name, err)
		}
	}

	return nil
}
