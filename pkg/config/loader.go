package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ensemble-ai/ensemble/pkg/config/provider"
)

// Loader loads and optionally watches configuration from a source.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)
}

type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked with the re-parsed config whenever
// the source changes and the new document validates.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses, defaults and validates the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch re-loads on source changes. Invalid updates are logged and
// skipped; the previous config stays active.
func (l *Loader) Watch(ctx context.Context) error {
	ch, err := l.provider.Watch(ctx)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}

	go func() {
		for range ch {
			cfg, err := l.Load(ctx)
			if err != nil {
				slog.Warn("ignoring config change", "error", err)
				continue
			}
			slog.Info("configuration reloaded")
			if l.onChange != nil {
				l.onChange(cfg)
			}
		}
	}()

	return nil
}

// LoadFile is the one-shot convenience used by the CLI.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	p, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	return NewLoader(p).Load(ctx)
}
