package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// DocumentStore persists confirmed documents and their soft-delete
// tombstones. Obtain one via [Store.Documents].
type DocumentStore struct {
	pool *pgxpool.Pool
}

const documentSelect = `
	SELECT document_id, agent_id, organization_id, file_name, file_type, file_size,
	       source_type, status, chunk_count, rag_entry_ids, metadata,
	       uploaded_at, processed_at
	FROM   documents`

// Create inserts a new document row in the processing state.
func (s *DocumentStore) Create(ctx context.Context, d Document) error {
	metaJSON, err := json.Marshal(orDefault(d.Metadata))
	if err != nil {
		return fmt.Errorf("document store: marshal metadata: %w", err)
	}
	status := d.Status
	if status == "" {
		status = DocProcessing
	}
	sourceType := d.SourceType
	if sourceType == "" {
		sourceType = "upload"
	}

	const q = `
		INSERT INTO documents
		    (document_id, agent_id, organization_id, file_name, file_type, file_size,
		     source_type, status, chunk_count, rag_entry_ids, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.pool.Exec(ctx, q,
		d.DocumentID, d.AgentID, d.OrganizationID, d.FileName, d.FileType, d.FileSize,
		sourceType, string(status), d.ChunkCount, d.RagEntryIDs, metaJSON,
	)
	if isUniqueViolation(err) {
		return apperr.Errorf(apperr.Conflict, "document %q already exists", d.DocumentID)
	}
	if err != nil {
		return fmt.Errorf("document store: create: %w", err)
	}
	return nil
}

// Get retrieves a document by id. Returns a [apperr.NotFound] error when it
// does not exist.
func (s *DocumentStore) Get(ctx context.Context, documentID string) (*Document, error) {
	rows, err := s.pool.Query(ctx, documentSelect+` WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("document store: get: %w", err)
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "document %q not found", documentID)
	}
	return &docs[0], nil
}

// List returns the documents of an agent, newest first. Soft-deleted
// documents are excluded unless includeDeleted is set.
func (s *DocumentStore) List(ctx context.Context, agentID string, includeDeleted bool) ([]Document, error) {
	q := documentSelect + ` WHERE agent_id = $1`
	if !includeDeleted {
		q += ` AND status <> 'deleted'`
	}
	q += ` ORDER BY uploaded_at DESC`

	rows, err := s.pool.Query(ctx, q, agentID)
	if err != nil {
		return nil, fmt.Errorf("document store: list: %w", err)
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// MarkProcessed finalises a document after embedding: sets status completed,
// the chunk count, the rag entry ids, and the processing time.
func (s *DocumentStore) MarkProcessed(ctx context.Context, documentID string, chunkCount int, ragEntryIDs []string) error {
	const q = `
		UPDATE documents
		SET    status = 'completed', chunk_count = $2, rag_entry_ids = $3, processed_at = now()
		WHERE  document_id = $1`

	tag, err := s.pool.Exec(ctx, q, documentID, chunkCount, ragEntryIDs)
	if err != nil {
		return fmt.Errorf("document store: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "document %q not found", documentID)
	}
	return nil
}

// SoftDelete tombstones a document. The row and its chunks stay in place but
// are filtered from retrieval; the tombstone carries the purge deadline.
// Soft-deleting an already deleted document is a [apperr.Conflict] error.
func (s *DocumentStore) SoftDelete(ctx context.Context, documentID, reason string, purgeAt time.Time) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == DocDeleted {
		return apperr.Errorf(apperr.Conflict, "document %q already deleted", documentID)
	}

	metaJSON, err := json.Marshal(orDefault(doc.Metadata))
	if err != nil {
		return fmt.Errorf("document store: marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("document store: soft delete: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertTombstone = `
		INSERT INTO document_tombstones
		    (document_id, agent_id, file_name, reason, purge_at, original_metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id) DO UPDATE SET
		    reason = EXCLUDED.reason,
		    deleted_at = now(),
		    purge_at = EXCLUDED.purge_at,
		    is_purged = FALSE`

	if _, err := tx.Exec(ctx, insertTombstone,
		documentID, doc.AgentID, doc.FileName, reason, purgeAt, metaJSON); err != nil {
		return fmt.Errorf("document store: soft delete: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE documents SET status = 'deleted' WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("document store: soft delete: %w", err)
	}
	return tx.Commit(ctx)
}

// Recover reverses a soft delete. Returns a [apperr.Cancelled] error when
// the tombstone is already purged, and [apperr.NotFound] when no tombstone
// exists.
func (s *DocumentStore) Recover(ctx context.Context, documentID string) error {
	var isPurged bool
	err := s.pool.QueryRow(ctx,
		`SELECT is_purged FROM document_tombstones WHERE document_id = $1`, documentID).
		Scan(&isPurged)
	if err == pgx.ErrNoRows {
		return apperr.Errorf(apperr.NotFound, "no tombstone for document %q", documentID)
	}
	if err != nil {
		return fmt.Errorf("document store: recover: %w", err)
	}
	if isPurged {
		return apperr.Errorf(apperr.Cancelled, "document %q already purged", documentID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("document store: recover: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET status = 'completed' WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("document store: recover: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM document_tombstones WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("document store: recover: %w", err)
	}
	return tx.Commit(ctx)
}

// PurgeExpired removes documents whose tombstones are past their purge
// deadline. Chunks cascade with the document rows. Returns the number of
// documents purged. Run hourly.
func (s *DocumentStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("document store: purge: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT document_id FROM document_tombstones
		WHERE  NOT is_purged AND purge_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("document store: purge: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("document store: purge scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE document_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("document store: purge documents: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE document_tombstones SET is_purged = TRUE WHERE document_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("document store: purge tombstones: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Tombstone returns the tombstone for a document, or a [apperr.NotFound]
// error when none exists.
func (s *DocumentStore) Tombstone(ctx context.Context, documentID string) (*Tombstone, error) {
	const q = `
		SELECT document_id, agent_id, file_name, reason, deleted_at, purge_at,
		       is_purged, original_metadata
		FROM   document_tombstones
		WHERE  document_id = $1`

	var (
		t        Tombstone
		metaJSON []byte
	)
	err := s.pool.QueryRow(ctx, q, documentID).Scan(
		&t.DocumentID, &t.AgentID, &t.FileName, &t.Reason, &t.DeletedAt, &t.PurgeAt,
		&t.IsPurged, &metaJSON,
	)
	if err == pgx.ErrNoRows {
		return nil, apperr.Errorf(apperr.NotFound, "no tombstone for document %q", documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("document store: tombstone: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &t.OriginalMetadata); err != nil {
		return nil, fmt.Errorf("document store: tombstone metadata: %w", err)
	}
	return &t, nil
}

// Delete removes a document permanently, cascading to its chunks. Deleting a
// non-existent document is not an error.
func (s *DocumentStore) Delete(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("document store: delete: %w", err)
	}
	return nil
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var (
			d           Document
			metaJSON    []byte
			processedAt *time.Time
		)
		if err := row.Scan(
			&d.DocumentID, &d.AgentID, &d.OrganizationID, &d.FileName, &d.FileType, &d.FileSize,
			&d.SourceType, &d.Status, &d.ChunkCount, &d.RagEntryIDs, &metaJSON,
			&d.UploadedAt, &processedAt,
		); err != nil {
			return Document{}, err
		}
		if processedAt != nil {
			d.ProcessedAt = *processedAt
		}
		if err := json.Unmarshal(metaJSON, &d.Metadata); err != nil {
			return Document{}, err
		}
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("document store: scan rows: %w", err)
	}
	return docs, nil
}
