package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP surface and per-request runtime limits.
type ServerConfig struct {
	// Host to bind. Defaults to 0.0.0.0.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`

	// Port to bind. Defaults to 7437.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,default=7437"`

	// APIKey gates inbound requests (Bearer token). Supports ${VAR} expansion.
	// Empty disables API-key auth (development only).
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Inbound bearer token (use ${ENV_VAR})"`

	// Auth optionally enables JWT validation for multi-tenant deployments.
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Auth,description=JWT validation"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty" jsonschema:"title=Log Level,enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// LogFormat: simple, verbose, json.
	LogFormat string `yaml:"log_format,omitempty" json:"log_format,omitempty" jsonschema:"title=Log Format,enum=simple,enum=verbose,enum=json,default=simple"`

	// LogFile appends logs to a file instead of stderr.
	LogFile string `yaml:"log_file,omitempty" json:"log_file,omitempty" jsonschema:"title=Log File"`

	// RequestTimeout is the overall deadline for one request. Default 15m.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty" jsonschema:"title=Request Timeout,default=15m"`

	// StepTimeout is the deadline for a single chain step or inference.
	// Default 3m.
	StepTimeout time.Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty" jsonschema:"title=Step Timeout,default=3m"`

	// MaxHeavyTasks caps concurrently running chains/autonomous loops.
	// Default 3.
	MaxHeavyTasks int `yaml:"max_heavy_tasks,omitempty" json:"max_heavy_tasks,omitempty" jsonschema:"title=Max Heavy Tasks,default=3"`
}

// AuthConfig enables JWT validation on top of the API key.
type AuthConfig struct {
	JWKSURL  string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" jsonschema:"title=JWKS URL"`
	Issuer   string `yaml:"issuer,omitempty" json:"issuer,omitempty" jsonschema:"title=Issuer"`
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty" jsonschema:"title=Audience"`

	// RequireAuth rejects unauthenticated requests when true. Default true.
	RequireAuth *bool `yaml:"require_auth,omitempty" json:"require_auth,omitempty" jsonschema:"title=Require Auth,default=true"`
}

func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.JWKSURL != ""
}

func (c *AuthConfig) IsRequireAuth() bool {
	if c == nil || c.RequireAuth == nil {
		return true
	}
	return *c.RequireAuth
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 7437
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "simple"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Minute
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 3 * time.Minute
	}
	if c.MaxHeavyTasks == 0 {
		c.MaxHeavyTasks = 3
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.LogFormat {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if c.StepTimeout > c.RequestTimeout {
		return fmt.Errorf("step_timeout %v exceeds request_timeout %v", c.StepTimeout, c.RequestTimeout)
	}
	return nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
