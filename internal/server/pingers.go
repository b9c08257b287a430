package server

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// StorePinger probes the workspace SQLite database. It satisfies the Pinger
// interface and is used by GET /api/ready.
type StorePinger struct {
	// db is the database handle to probe.
	db *sql.DB
}

// NewStorePinger constructs a StorePinger for the given database handle.
func NewStorePinger(db *sql.DB) *StorePinger {
	return &StorePinger{db: db}
}

// Name returns the dependency label used in readiness responses.
func (p *StorePinger) Name() string { return "docstore" }

// Ping checks the database connection.
func (p *StorePinger) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
// Returns nil if Qdrant is reachable, or a descriptive error otherwise.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	_, err := p.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
