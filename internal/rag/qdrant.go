package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/mindbook/mindbook-go/internal/docstore"
)

// QdrantConfig holds connection parameters for a Qdrant vector index instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements VectorIndex backed by a Qdrant collection. Chunks
// of every project share one collection; project and document scoping is
// enforced with payload filters.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex creates a new QdrantIndex, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use VectorIndex.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return idx, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// ReplaceDocument upserts the new version's chunks, then deletes every point
// of the same document with an older version. The swap is not atomic at the
// index level; the retrieval engine's version check against the chunk store
// filters out any hit from the brief window where both versions are present.
func (s *QdrantIndex) ReplaceDocument(ctx context.Context, projectID, documentID string, version int, chunks []docstore.Chunk) error {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(map[string]interface{}{
				"project_id":  projectID,
				"document_id": documentID,
				"version":     int64(version),
				"text":        c.Text,
				"created_at":  c.CreatedAt.Unix(),
			}),
		})
	}

	if len(points) > 0 {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("qdrant: upsert failed: %w", err)
		}
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
				qdrant.NewRange("version", &qdrant.Range{Lt: ptrFloat64(float64(version))}),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete superseded versions failed: %w", err)
	}

	return nil
}

// RemoveDocument deletes every indexed chunk of the document.
func (s *QdrantIndex) RemoveDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: remove document failed: %w", err)
	}
	return nil
}

// Search performs a cosine similarity search scoped to the project and
// returns up to limit hits.
func (s *QdrantIndex) Search(ctx context.Context, projectID string, query []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	lim := uint64(limit)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("project_id", projectID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{
			ChunkID: r.Id.GetUuid(),
			Score:   r.Score,
		}
		if p := r.Payload; p != nil {
			if v, ok := p["document_id"]; ok {
				hit.DocumentID = v.GetStringValue()
			}
			if v, ok := p["version"]; ok {
				hit.Version = int(v.GetIntegerValue())
			}
			if v, ok := p["text"]; ok {
				hit.Text = v.GetStringValue()
			}
			if v, ok := p["created_at"]; ok {
				hit.CreatedAt = time.Unix(v.GetIntegerValue(), 0)
			}
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// Client exposes the underlying Qdrant client for health probes.
func (s *QdrantIndex) Client() *qdrant.Client {
	return s.client
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// ptrFloat64 returns a pointer to v for the qdrant range filter API.
func ptrFloat64(v float64) *float64 {
	return &v
}
