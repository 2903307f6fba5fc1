// Package memory provides vector retrieval over training-source
// collections. The core consumes it through the Store interface; chromem
// (embedded) and qdrant (server) back it.
package memory

import (
	"context"
	"fmt"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// Snippet is one retrieved memory.
type Snippet struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// EmbedFunc turns text into a vector. Wired to the embeddings provider
// selected in memory config.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store is the retrieval surface the prompt assembler consumes.
type Store interface {
	// Retrieve returns up to k snippets from the collection ranked by
	// similarity to the query.
	Retrieve(ctx context.Context, collection, query string, k int) ([]Snippet, error)

	// Index adds or replaces one document in the collection.
	Index(ctx context.Context, collection, id, text string) error

	Close() error
}

// Open builds a store for the configured backend. The none backend yields
// a store that retrieves nothing.
func Open(cfg *config.MemoryConfig, embed EmbedFunc) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return NoopStore{}, nil
	case "chromem":
		return NewChromemStore(cfg, embed)
	case "qdrant":
		return NewQdrantStore(cfg, embed)
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
}

// NoopStore retrieves nothing. Used when memory is disabled.
type NoopStore struct{}

func (NoopStore) Retrieve(context.Context, string, string, int) ([]Snippet, error) {
	return nil, nil
}

func (NoopStore) Index(context.Context, string, string, string) error {
	return nil
}

func (NoopStore) Close() error {
	return nil
}
