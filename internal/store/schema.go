package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tenancy DDL — organizations and agents
// ─────────────────────────────────────────────────────────────────────────────

const ddlTenancy = `
CREATE TABLE IF NOT EXISTS organizations (
    id          TEXT         PRIMARY KEY,
    slug        TEXT         NOT NULL UNIQUE,
    name        TEXT         NOT NULL,
    status      TEXT         NOT NULL DEFAULT 'active',
    config      JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agents (
    id                  TEXT         PRIMARY KEY,
    organization_id     TEXT         NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
    display_name        TEXT         NOT NULL,
    persona_name        TEXT         NOT NULL DEFAULT '',
    language            TEXT         NOT NULL DEFAULT 'en-US',
    voice_id            TEXT         NOT NULL DEFAULT '',
    system_prompt       TEXT         NOT NULL DEFAULT '',
    greeting            TEXT         NOT NULL DEFAULT '',
    farewell            TEXT         NOT NULL DEFAULT '',
    phone_country_code  TEXT         NOT NULL DEFAULT '',
    phone_number        TEXT         NOT NULL DEFAULT '',
    phone_location      TEXT         NOT NULL DEFAULT '',
    status              TEXT         NOT NULL DEFAULT 'active',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_org ON agents (organization_id);
CREATE INDEX IF NOT EXISTS idx_agents_phone ON agents (phone_country_code, phone_number)
    WHERE phone_number <> '';
`

// ─────────────────────────────────────────────────────────────────────────────
// Call DDL — sessions, transcript entries, metrics
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS call_sessions (
    session_id                TEXT         PRIMARY KEY,
    organization_id           TEXT         NOT NULL,
    agent_id                  TEXT         NOT NULL DEFAULT '',
    room_name                 TEXT         NOT NULL DEFAULT '',
    participant_identity      TEXT         NOT NULL DEFAULT '',
    call_type                 TEXT         NOT NULL DEFAULT 'web',
    status                    TEXT         NOT NULL DEFAULT 'active',
    started_at                TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at                  TIMESTAMPTZ,
    duration_seconds          INTEGER      NOT NULL DEFAULT 0,
    caller_phone_number       TEXT         NOT NULL DEFAULT '',
    destination_phone_number  TEXT         NOT NULL DEFAULT '',
    call_sid                  TEXT         NOT NULL DEFAULT '',
    sip_participant_id        TEXT         NOT NULL DEFAULT '',
    call_direction            TEXT         NOT NULL DEFAULT '',
    is_telephony              BOOLEAN      NOT NULL DEFAULT FALSE,
    metadata                  JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_agent ON call_sessions (agent_id);
CREATE INDEX IF NOT EXISTS idx_call_sessions_org ON call_sessions (organization_id);
CREATE INDEX IF NOT EXISTS idx_call_sessions_started ON call_sessions (started_at);

CREATE TABLE IF NOT EXISTS transcript_entries (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL REFERENCES call_sessions (session_id) ON DELETE CASCADE,
    timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    speaker        TEXT         NOT NULL,
    text           TEXT         NOT NULL,
    entry_type     TEXT         NOT NULL DEFAULT 'speech',
    latency_ms     INTEGER      NOT NULL DEFAULT 0,
    confidence     REAL         NOT NULL DEFAULT 0,
    function_name  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcript_session_ts
    ON transcript_entries (session_id, timestamp);

CREATE TABLE IF NOT EXISTS call_metrics (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    agent_id     TEXT         NOT NULL DEFAULT '',
    metric_type  TEXT         NOT NULL DEFAULT 'latency',
    metric_name  TEXT         NOT NULL,
    value        DOUBLE PRECISION NOT NULL,
    unit         TEXT         NOT NULL DEFAULT 'ms',
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_metrics_agent_type
    ON call_metrics (agent_id, metric_type, recorded_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion DDL — documents, tombstones, ingestion sessions
// ─────────────────────────────────────────────────────────────────────────────

const ddlIngestion = `
CREATE TABLE IF NOT EXISTS documents (
    document_id      TEXT         PRIMARY KEY,
    agent_id         TEXT         NOT NULL,
    organization_id  TEXT         NOT NULL,
    file_name        TEXT         NOT NULL,
    file_type        TEXT         NOT NULL DEFAULT '',
    file_size        BIGINT       NOT NULL DEFAULT 0,
    source_type      TEXT         NOT NULL DEFAULT 'upload',
    status           TEXT         NOT NULL DEFAULT 'processing',
    chunk_count      INTEGER      NOT NULL DEFAULT 0,
    rag_entry_ids    TEXT[]       NOT NULL DEFAULT '{}',
    metadata         JSONB        NOT NULL DEFAULT '{}',
    uploaded_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    processed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_agent ON documents (agent_id);

CREATE TABLE IF NOT EXISTS document_tombstones (
    document_id        TEXT         PRIMARY KEY,
    agent_id           TEXT         NOT NULL,
    file_name          TEXT         NOT NULL,
    reason             TEXT         NOT NULL DEFAULT '',
    deleted_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    purge_at           TIMESTAMPTZ  NOT NULL,
    is_purged          BOOLEAN      NOT NULL DEFAULT FALSE,
    original_metadata  JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tombstones_purge_at
    ON document_tombstones (purge_at) WHERE NOT is_purged;

CREATE TABLE IF NOT EXISTS ingestion_sessions (
    session_id       TEXT         PRIMARY KEY,
    agent_id         TEXT         NOT NULL,
    organization_id  TEXT         NOT NULL,
    file_name        TEXT         NOT NULL,
    file_type        TEXT         NOT NULL DEFAULT '',
    file_size        BIGINT       NOT NULL DEFAULT 0,
    stage            TEXT         NOT NULL DEFAULT 'uploading',
    progress         INTEGER      NOT NULL DEFAULT 0,
    preview_enabled  BOOLEAN      NOT NULL DEFAULT TRUE,
    chunks_snapshot  JSONB        NOT NULL DEFAULT '[]',
    rag_entry_ids    TEXT[]       NOT NULL DEFAULT '{}',
    error_message    TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at       TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingestion_sessions_stage
    ON ingestion_sessions (stage, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Integration DDL — bindings
// ─────────────────────────────────────────────────────────────────────────────

const ddlIntegrations = `
CREATE TABLE IF NOT EXISTS integration_bindings (
    integration_id   TEXT         PRIMARY KEY,
    agent_id         TEXT         NOT NULL,
    organization_id  TEXT         NOT NULL,
    tool_id          TEXT         NOT NULL,
    name             TEXT         NOT NULL,
    config           JSONB        NOT NULL DEFAULT '{}',
    triggers         TEXT[]       NOT NULL DEFAULT '{}',
    enabled          BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bindings_agent ON integration_bindings (agent_id);
`

// ddlChunks returns the chunk namespace DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    chunk_id          TEXT         PRIMARY KEY,
    document_id       TEXT         NOT NULL REFERENCES documents (document_id) ON DELETE CASCADE,
    agent_id          TEXT         NOT NULL,
    chunk_index       INTEGER      NOT NULL DEFAULT 0,
    text              TEXT         NOT NULL,
    token_count       INTEGER      NOT NULL DEFAULT 0,
    page_number       INTEGER      NOT NULL DEFAULT 0,
    section_title     TEXT         NOT NULL DEFAULT '',
    section_path      TEXT[]       NOT NULL DEFAULT '{}',
    content_type      TEXT         NOT NULL DEFAULT 'text',
    quality_score     REAL         NOT NULL DEFAULT 0,
    embedding         vector(%d),
    access_count      INTEGER      NOT NULL DEFAULT 0,
    last_accessed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_chunks_agent ON chunks (agent_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g., 1536
// for OpenAI text-embedding-3-small). Changing the value after the first
// migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTenancy,
		ddlCalls,
		ddlIngestion,
		ddlChunks(embeddingDimensions),
		ddlIntegrations,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
