package providers

import (
	"fmt"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/registry"
)

// Factory builds a provider instance from its config merged with
// request-scoped settings. Instances are cheap; the router creates one
// per request (or per chain step) and discards it.
type Factory func(cfg *config.ProviderConfig, settings map[string]any) (Provider, error)

// Registry is the injectable provider discovery surface.
type Registry interface {
	List() []string
	Capabilities(name string) ([]string, error)
	SettingsSchema(name string) (map[string]any, error)
	Instantiate(name string, settings map[string]any) (Provider, error)
}

type entry struct {
	cfg     *config.ProviderConfig
	factory Factory
}

// ConfigRegistry discovers providers from configuration plus registered
// adapter factories.
type ConfigRegistry struct {
	entries   *registry.BaseRegistry[entry]
	factories map[string]Factory
}

func NewRegistry() *ConfigRegistry {
	r := &ConfigRegistry{
		entries:   registry.NewBaseRegistry[entry](),
		factories: make(map[string]Factory),
	}
	r.RegisterFactory("openai_compatible", NewOpenAICompatible)
	return r
}

// RegisterFactory makes an adapter type available to Add.
func (r *ConfigRegistry) RegisterFactory(typ string, f Factory) {
	r.factories[typ] = f
}

// Add registers one configured provider.
func (r *ConfigRegistry) Add(cfg *config.ProviderConfig) error {
	if cfg == nil || cfg.Name == "" {
		return fmt.Errorf("provider config must carry a name")
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return fmt.Errorf("no adapter registered for provider type %q", cfg.Type)
	}
	return r.entries.Register(cfg.Name, entry{cfg: cfg, factory: factory})
}

// AddStatic registers a pre-built provider instance. Used by tests and by
// embedded fakes.
func (r *ConfigRegistry) AddStatic(name string, p Provider) error {
	cfg := &config.ProviderConfig{Name: name, Services: p.Services()}
	return r.entries.Register(name, entry{
		cfg: cfg,
		factory: func(*config.ProviderConfig, map[string]any) (Provider, error) {
			return p, nil
		},
	})
}

// FromConfig builds a registry holding every configured provider.
func FromConfig(cfgs map[string]*config.ProviderConfig) (*ConfigRegistry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		if err := r.Add(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ConfigRegistry) List() []string {
	return r.entries.Names()
}

func (r *ConfigRegistry) Capabilities(name string) ([]string, error) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return e.cfg.Services, nil
}

// SettingsSchema returns the provider's declared settings with defaults.
func (r *ConfigRegistry) SettingsSchema(name string) (map[string]any, error) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	schema := map[string]any{
		"model":                 e.cfg.Model,
		"max_tokens":            e.cfg.MaxTokens,
		"wait_between_requests": e.cfg.WaitBetweenRequests,
		"wait_after_failure":    e.cfg.WaitAfterFailure,
		"max_failures":          e.cfg.MaxFailures,
	}
	if e.cfg.Temperature != nil {
		schema["temperature"] = *e.cfg.Temperature
	}
	for k, v := range e.cfg.Settings {
		schema[k] = v
	}
	return schema, nil
}

func (r *ConfigRegistry) Instantiate(name string, settings map[string]any) (Provider, error) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return e.factory(e.cfg, settings)
}

// ForService lists provider names declaring the given capability,
// sorted by name for deterministic rotation order.
func (r *ConfigRegistry) ForService(service string) []string {
	var names []string
	for _, name := range r.entries.Names() {
		e, _ := r.entries.Get(name)
		if e.cfg.HasService(service) {
			names = append(names, name)
		}
	}
	return names
}
