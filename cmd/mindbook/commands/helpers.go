package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mindbook/mindbook-go/internal/docstore"
	"github.com/mindbook/mindbook-go/internal/embedder"
	"github.com/mindbook/mindbook-go/internal/objstore"
	"github.com/mindbook/mindbook-go/internal/rag"
)

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// openDocstore opens the workspace database. MINDBOOK_DB overrides the
// default path (~/.mindbook/mindbook.db).
func openDocstore() (*docstore.Store, error) {
	path := os.Getenv("MINDBOOK_DB")
	if path == "" {
		var err error
		path, err = docstore.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
	}
	store, err := docstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return store, nil
}

// openObjectStorage opens the raw-file storage root. MINDBOOK_OBJECTS_DIR
// overrides the default (~/.mindbook/objects).
func openObjectStorage() (*objstore.FileStorage, error) {
	dir := os.Getenv("MINDBOOK_OBJECTS_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve objects dir: %w", err)
		}
		dir = filepath.Join(home, ".mindbook", "objects")
	}
	storage, err := objstore.NewFileStorage(dir)
	if err != nil {
		return nil, fmt.Errorf("open object storage: %w", err)
	}
	return storage, nil
}

// buildIndex constructs the vector index. When MINDBOOK_INDEX=qdrant the
// Qdrant index is used (QDRANT_* env vars configure the connection);
// otherwise the in-process index over the document store serves searches.
func buildIndex(ctx context.Context, store *docstore.Store, log *slog.Logger) (rag.VectorIndex, error) {
	if getEnvOrDefault("MINDBOOK_INDEX", "store") != "qdrant" {
		idx, err := rag.NewStoreIndex(store)
		if err != nil {
			return nil, fmt.Errorf("create in-process index: %w", err)
		}
		log.Info("vector index: in-process over document store")
		return idx, nil
	}

	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", "mindbook-chunks")
	vectorSize := uint64(embedder.DefaultDimensions(embedder.Backend())) //nolint:gosec // dimensions are bounded

	idx, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: collection,
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", host, port, err)
	}
	log.Info("vector index: qdrant",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("collection", collection),
	)
	return idx, nil
}

// buildEngine wires the retrieval engine from the embedder and index.
func buildEngine(store *docstore.Store, emb rag.Embedder, index rag.VectorIndex) (*rag.Engine, error) {
	engine, err := rag.NewEngine(emb, index, store)
	if err != nil {
		return nil, fmt.Errorf("create retrieval engine: %w", err)
	}
	return engine, nil
}
