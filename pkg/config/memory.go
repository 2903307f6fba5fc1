package config

import "fmt"

// MemoryConfig configures the vector memory backend consumed through the
// memory.Store seam. Backend "none" disables retrieval.
type MemoryConfig struct {
	// Backend: none, chromem (embedded), qdrant (remote). Default none.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Backend,enum=none,enum=chromem,enum=qdrant,default=none"`

	// Path is the persistence directory for chromem. Empty keeps the
	// store purely in memory.
	Path string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"title=Path"`

	// Host/Port/APIKey for qdrant.
	Host   string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=localhost"`
	Port   int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,default=6334"`
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Use ${ENV_VAR}"`
	UseTLS bool   `yaml:"use_tls,omitempty" json:"use_tls,omitempty" jsonschema:"title=Use TLS"`

	// EmbeddingsProvider names the provider used to embed queries when the
	// backend needs client-side embeddings (qdrant, chromem).
	EmbeddingsProvider string `yaml:"embeddings_provider,omitempty" json:"embeddings_provider,omitempty" jsonschema:"title=Embeddings Provider"`

	// TopK is the default number of snippets retrieved. Default 5.
	TopK int `yaml:"top_k,omitempty" json:"top_k,omitempty" jsonschema:"title=Top K,default=5"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "none"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
}

func (c *MemoryConfig) Validate() error {
	switch c.Backend {
	case "none", "chromem", "qdrant":
		return nil
	default:
		return fmt.Errorf("unsupported backend %q (supported: none, chromem, qdrant)", c.Backend)
	}
}
