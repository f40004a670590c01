package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the central PostgreSQL-backed datastore for Vocalis. It holds a
// single [pgxpool.Pool] and exposes the entity stores as sub-types:
//
//   - [Store.Orgs] for organizations
//   - [Store.Agents] for agents
//   - [Store.Sessions] for call sessions and transcripts
//   - [Store.Metrics] for latency and call metrics
//   - [Store.Documents] for documents and tombstones
//   - [Store.Chunks] for the per-agent vector namespace
//   - [Store.Ingestions] for ingestion sessions
//   - [Store.Integrations] for integration bindings
type Store struct {
	pool *pgxpool.Pool

	orgs         *OrgStore
	agents       *AgentStore
	sessions     *SessionStore
	metrics      *MetricStore
	documents    *DocumentStore
	chunks       *ChunkStore
	ingestions   *IngestionStore
	integrations *IntegrationStore
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the schema exists.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{
		pool:         pool,
		orgs:         &OrgStore{pool: pool},
		agents:       &AgentStore{pool: pool},
		sessions:     &SessionStore{pool: pool},
		metrics:      &MetricStore{pool: pool},
		documents:    &DocumentStore{pool: pool},
		chunks:       &ChunkStore{pool: pool},
		ingestions:   &IngestionStore{pool: pool},
		integrations: &IntegrationStore{pool: pool},
	}, nil
}

// Orgs returns the organization store.
func (s *Store) Orgs() *OrgStore { return s.orgs }

// Agents returns the agent store.
func (s *Store) Agents() *AgentStore { return s.agents }

// Sessions returns the call session store.
func (s *Store) Sessions() *SessionStore { return s.sessions }

// Metrics returns the call metric store.
func (s *Store) Metrics() *MetricStore { return s.metrics }

// Documents returns the document store.
func (s *Store) Documents() *DocumentStore { return s.documents }

// Chunks returns the chunk namespace store.
func (s *Store) Chunks() *ChunkStore { return s.chunks }

// Ingestions returns the ingestion session store.
func (s *Store) Ingestions() *IngestionStore { return s.ingestions }

// Integrations returns the integration binding store.
func (s *Store) Integrations() *IntegrationStore { return s.integrations }

// Ping checks database reachability, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
