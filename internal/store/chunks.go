package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// ChunkStore is the per-agent vector namespace backed by a chunks table with
// a pgvector HNSW index. Obtain one via [Store.Chunks].
type ChunkStore struct {
	pool *pgxpool.Pool
}

// InsertBatch upserts a batch of pre-embedded chunks in one round trip.
// A chunk with an existing id is completely replaced.
func (s *ChunkStore) InsertBatch(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const q = `
		INSERT INTO chunks
		    (chunk_id, document_id, agent_id, chunk_index, text, token_count,
		     page_number, section_title, section_path, content_type, quality_score, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chunk_id) DO UPDATE SET
		    document_id   = EXCLUDED.document_id,
		    agent_id      = EXCLUDED.agent_id,
		    chunk_index   = EXCLUDED.chunk_index,
		    text          = EXCLUDED.text,
		    token_count   = EXCLUDED.token_count,
		    page_number   = EXCLUDED.page_number,
		    section_title = EXCLUDED.section_title,
		    section_path  = EXCLUDED.section_path,
		    content_type  = EXCLUDED.content_type,
		    quality_score = EXCLUDED.quality_score,
		    embedding     = EXCLUDED.embedding`

	for _, c := range chunks {
		contentType := c.ContentType
		if contentType == "" {
			contentType = ContentText
		}
		sectionPath := c.SectionPath
		if sectionPath == nil {
			sectionPath = []string{}
		}
		batch.Queue(q,
			c.ChunkID, c.DocumentID, c.AgentID, c.ChunkIndex, c.Text, c.TokenCount,
			c.PageNumber, c.SectionTitle, sectionPath, string(contentType), c.QualityScore,
			pgvector.NewVector(c.Embedding),
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("chunk store: insert batch: %w", err)
		}
	}
	return nil
}

// Search finds the topK chunks in the agent's namespace closest to the query
// embedding by cosine distance, excluding chunks of soft-deleted documents.
// Results carry cosine similarity scores (1 - distance), most similar first.
func (s *ChunkStore) Search(ctx context.Context, agentID string, embedding []float32, topK int) ([]ChunkResult, error) {
	const q = `
		SELECT c.chunk_id, c.document_id, c.agent_id, c.chunk_index, c.text,
		       c.token_count, c.page_number, c.section_title, c.section_path,
		       c.content_type, c.quality_score, c.embedding,
		       c.access_count, c.last_accessed_at,
		       c.embedding <=> $2 AS distance
		FROM   chunks c
		JOIN   documents d ON d.document_id = c.document_id
		WHERE  c.agent_id = $1
		  AND  d.status <> 'deleted'
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, agentID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("chunk store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChunkResult, error) {
		var (
			cr             ChunkResult
			vec            pgvector.Vector
			quality        float32
			lastAccessedAt *time.Time
			distance       float64
		)
		if err := row.Scan(
			&cr.Chunk.ChunkID, &cr.Chunk.DocumentID, &cr.Chunk.AgentID, &cr.Chunk.ChunkIndex, &cr.Chunk.Text,
			&cr.Chunk.TokenCount, &cr.Chunk.PageNumber, &cr.Chunk.SectionTitle, &cr.Chunk.SectionPath,
			&cr.Chunk.ContentType, &quality, &vec,
			&cr.Chunk.AccessCount, &lastAccessedAt,
			&distance,
		); err != nil {
			return ChunkResult{}, err
		}
		cr.Chunk.QualityScore = float64(quality)
		cr.Chunk.Embedding = vec.Slice()
		if lastAccessedAt != nil {
			cr.Chunk.LastAccessedAt = *lastAccessedAt
		}
		cr.Score = 1 - distance
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk store: scan rows: %w", err)
	}
	if results == nil {
		results = []ChunkResult{}
	}
	return results, nil
}

// Touch bumps the access count and timestamp of the returned chunks. Called
// after a search hit; failures are reported but non-fatal to retrieval.
func (s *ChunkStore) Touch(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	const q = `
		UPDATE chunks
		SET    access_count = access_count + 1, last_accessed_at = now()
		WHERE  chunk_id = ANY($1)`

	if _, err := s.pool.Exec(ctx, q, chunkIDs); err != nil {
		return fmt.Errorf("chunk store: touch: %w", err)
	}
	return nil
}

// DeleteByDocument removes all chunks of a document. Used when an unconfirmed
// ingestion is cancelled; confirmed documents cascade via the foreign key.
func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("chunk store: delete by document: %w", err)
	}
	return nil
}

// Analytics aggregates the chunk namespace of an agent: totals, average
// quality, content-type distribution, and quality-score bucket counts.
func (s *ChunkStore) Analytics(ctx context.Context, agentID string) (*ChunkAnalytics, error) {
	a := &ChunkAnalytics{
		ContentTypes:   make(map[ContentType]int),
		QualityBuckets: make(map[string]int),
	}

	const totalsQ = `
		SELECT count(*), COALESCE(sum(token_count), 0),
		       COALESCE(avg(quality_score), 0), COALESCE(sum(access_count), 0)
		FROM   chunks
		WHERE  agent_id = $1`

	var totalTokens, totalAccess int64
	err := s.pool.QueryRow(ctx, totalsQ, agentID).
		Scan(&a.TotalChunks, &totalTokens, &a.AvgQuality, &totalAccess)
	if err != nil {
		return nil, fmt.Errorf("chunk store: analytics totals: %w", err)
	}
	a.TotalTokens = int(totalTokens)
	a.TotalAccessCount = int(totalAccess)

	const typesQ = `
		SELECT content_type, count(*)
		FROM   chunks
		WHERE  agent_id = $1
		GROUP  BY content_type`

	rows, err := s.pool.Query(ctx, typesQ, agentID)
	if err != nil {
		return nil, fmt.Errorf("chunk store: analytics types: %w", err)
	}
	for rows.Next() {
		var (
			ct string
			n  int
		)
		if err := rows.Scan(&ct, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chunk store: analytics types: %w", err)
		}
		a.ContentTypes[ContentType(ct)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk store: analytics types: %w", err)
	}

	const bucketsQ = `
		SELECT CASE
		           WHEN quality_score >= 0.8 THEN 'high'
		           WHEN quality_score >= 0.5 THEN 'medium'
		           ELSE 'low'
		       END AS bucket,
		       count(*)
		FROM   chunks
		WHERE  agent_id = $1
		GROUP  BY bucket`

	rows, err = s.pool.Query(ctx, bucketsQ, agentID)
	if err != nil {
		return nil, fmt.Errorf("chunk store: analytics buckets: %w", err)
	}
	for rows.Next() {
		var (
			bucket string
			n      int
		)
		if err := rows.Scan(&bucket, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chunk store: analytics buckets: %w", err)
		}
		a.QualityBuckets[bucket] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk store: analytics buckets: %w", err)
	}

	return a, nil
}

// Hot returns the most-accessed chunks of an agent, embeddings omitted.
func (s *ChunkStore) Hot(ctx context.Context, agentID string, limit int) ([]Chunk, error) {
	const q = `
		SELECT chunk_id, document_id, agent_id, chunk_index, text, token_count,
		       page_number, section_title, section_path, content_type, quality_score,
		       access_count, last_accessed_at
		FROM   chunks
		WHERE  agent_id = $1 AND access_count > 0
		ORDER  BY access_count DESC, last_accessed_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("chunk store: hot: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var (
			c              Chunk
			quality        float32
			lastAccessedAt *time.Time
		)
		if err := row.Scan(
			&c.ChunkID, &c.DocumentID, &c.AgentID, &c.ChunkIndex, &c.Text, &c.TokenCount,
			&c.PageNumber, &c.SectionTitle, &c.SectionPath, &c.ContentType, &quality,
			&c.AccessCount, &lastAccessedAt,
		); err != nil {
			return Chunk{}, err
		}
		c.QualityScore = float64(quality)
		if lastAccessedAt != nil {
			c.LastAccessedAt = *lastAccessedAt
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk store: scan rows: %w", err)
	}
	if chunks == nil {
		chunks = []Chunk{}
	}
	return chunks, nil
}
