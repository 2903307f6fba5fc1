// Package provider defines the config source abstraction.
//
// Sources load raw configuration bytes and optionally support watching for
// changes. The file source is the only one currently implemented; remote
// sources can be added behind the same interface.
package provider

import (
	"context"
	"fmt"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile Type = "file"
)

// Provider abstracts config sources. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Type returns the source type for logging.
	Type() Type

	// Load reads raw config bytes from the source.
	Load(ctx context.Context) ([]byte, error)

	// Watch signals on the returned channel when the source changes.
	// Cancel the context to stop watching. Returns a nil channel if
	// watching is unsupported.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases resources held by the provider.
	Close() error
}

// New creates a Provider for the given source path.
func New(sourceType Type, path string) (Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	switch sourceType {
	case TypeFile, "":
		return NewFileProvider(path)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", sourceType)
	}
}
