package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/logger"
)

// ChromemStore is the embedded backend: pure Go, vectors in RAM, optional
// gob persistence. Suited to single-instance deployments without an
// external vector service.
type ChromemStore struct {
	db          *chromem.DB
	persistPath string
	embed       chromem.EmbeddingFunc
	logger      *slog.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func NewChromemStore(cfg *config.MemoryConfig, embed EmbedFunc) (*ChromemStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("chromem backend requires an embeddings provider")
	}

	var db *chromem.DB
	persistPath := ""
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create memory path: %w", err)
		}
		persistPath = filepath.Join(cfg.Path, "vectors.gob")
		if _, err := os.Stat(persistPath); err == nil {
			loaded, err := chromem.NewPersistentDB(persistPath, false)
			if err != nil {
				logger.Get().Warn("Failed to load vector database, starting fresh", "path", persistPath, "error", err)
			} else {
				db = loaded
			}
		}
	}
	if db == nil {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:          db,
		persistPath: persistPath,
		embed:       chromem.EmbeddingFunc(embed),
		logger:      logger.Get(),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) Retrieve(ctx context.Context, collection, query string, k int) ([]Snippet, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects k above the collection size.
	if count := col.Count(); k > count {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval from %q failed: %w", collection, err)
	}

	out := make([]Snippet, 0, len(results))
	for _, r := range results {
		out = append(out, Snippet{ID: r.ID, Text: r.Content, Score: r.Similarity})
	}
	return out, nil
}

func (s *ChromemStore) Index(ctx context.Context, collection, id, text string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	doc := chromem.Document{ID: id, Content: text}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("indexing into %q failed: %w", collection, err)
	}
	if err := s.persist(); err != nil {
		s.logger.Warn("Failed to persist vector database", "error", err)
	}
	return nil
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	return s.db.Export(s.persistPath, false, "")
}

func (s *ChromemStore) Close() error {
	return s.persist()
}

var _ Store = (*ChromemStore)(nil)
