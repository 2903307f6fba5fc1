package config

import "fmt"

// ExtensionConfig declares one extension source.
type ExtensionConfig struct {
	// Name is filled from the map key.
	Name string `yaml:"-" json:"-"`

	// Type selects the extension implementation:
	// workspace (file/shell commands), documents (pdf/docx/xlsx parsing),
	// mcp (remote MCP server).
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=workspace,enum=documents,enum=mcp"`

	// Enabled toggles the source. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,default=true"`

	// ServerURL is the MCP server endpoint (type=mcp).
	ServerURL string `yaml:"server_url,omitempty" json:"server_url,omitempty" jsonschema:"title=Server URL"`

	// Headers are sent on MCP requests (auth etc.). Values support ${VAR}.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" jsonschema:"title=Headers"`

	// Settings carries extension-specific keys (API keys etc.).
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty" jsonschema:"title=Settings"`
}

func (c *ExtensionConfig) SetDefaults(name string) {
	c.Name = name
	if c.Type == "" {
		c.Type = name
	}
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
}

func (c *ExtensionConfig) Validate() error {
	switch c.Type {
	case "workspace", "documents":
		return nil
	case "mcp":
		if c.ServerURL == "" {
			return fmt.Errorf("server_url is required for mcp extensions")
		}
		return nil
	default:
		return fmt.Errorf("unknown extension type %q", c.Type)
	}
}

func (c *ExtensionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
