package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// QdrantStore is the server-backed memory backend over Qdrant's gRPC API.
// Document text travels in the point payload under the "text" key.
type QdrantStore struct {
	client *qdrant.Client
	embed  EmbedFunc
}

func NewQdrantStore(cfg *config.MemoryConfig, embed EmbedFunc) (*QdrantStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("qdrant backend requires an embeddings provider")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantStore{client: client, embed: embed}, nil
}

func (s *QdrantStore) Retrieve(ctx context.Context, collection, query string, k int) ([]Snippet, error) {
	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval from %q failed: %w", collection, err)
	}

	out := make([]Snippet, 0, len(points))
	for _, point := range points {
		snippet := Snippet{Score: point.Score}
		if point.Id != nil {
			switch id := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				snippet.ID = id.Uuid
			case *qdrant.PointId_Num:
				snippet.ID = fmt.Sprintf("%d", id.Num)
			}
		}
		if v, ok := point.Payload["text"]; ok {
			snippet.Text = v.GetStringValue()
		}
		out = append(out, snippet)
	}
	return out, nil
}

func (s *QdrantStore) Index(ctx context.Context, collection, id, text string) error {
	vector, err := s.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("document embedding failed: %w", err)
	}

	if err := s.ensureCollection(ctx, collection, len(vector)); err != nil {
		return err
	}

	if id == "" {
		id = uuid.NewString()
	}
	payload := qdrant.NewValueMap(map[string]any{"text": text})

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("indexing into %q failed: %w", collection, err)
	}
	return nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection %q: %w", collection, err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
