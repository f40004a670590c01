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

// IngestionStore persists ingestion sessions: the upload-to-confirm workflow
// state. Obtain one via [Store.Ingestions].
type IngestionStore struct {
	pool *pgxpool.Pool
}

const ingestionSelect = `
	SELECT session_id, agent_id, organization_id, file_name, file_type, file_size,
	       stage, progress, preview_enabled, chunks_snapshot, rag_entry_ids,
	       error_message, created_at, expires_at
	FROM   ingestion_sessions`

// Create inserts a new ingestion session in the uploading stage.
func (s *IngestionStore) Create(ctx context.Context, is IngestionSession) error {
	stage := is.Stage
	if stage == "" {
		stage = StageUploading
	}

	const q = `
		INSERT INTO ingestion_sessions
		    (session_id, agent_id, organization_id, file_name, file_type, file_size,
		     stage, progress, preview_enabled, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		is.SessionID, is.AgentID, is.OrganizationID, is.FileName, is.FileType, is.FileSize,
		string(stage), is.Progress, is.PreviewEnabled, is.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return apperr.Errorf(apperr.Conflict, "ingestion session %q already exists", is.SessionID)
	}
	if err != nil {
		return fmt.Errorf("ingestion store: create: %w", err)
	}
	return nil
}

// Get retrieves an ingestion session by id. Returns a [apperr.NotFound]
// error when it does not exist.
func (s *IngestionStore) Get(ctx context.Context, sessionID string) (*IngestionSession, error) {
	rows, err := s.pool.Query(ctx, ingestionSelect+` WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ingestion store: get: %w", err)
	}
	sessions, err := collectIngestions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "ingestion session %q not found", sessionID)
	}
	return &sessions[0], nil
}

// SetStage advances the FSM to stage with the given progress percentage.
func (s *IngestionStore) SetStage(ctx context.Context, sessionID string, stage IngestStage, progress int) error {
	const q = `UPDATE ingestion_sessions SET stage = $2, progress = $3 WHERE session_id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, string(stage), progress)
	if err != nil {
		return fmt.Errorf("ingestion store: set stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "ingestion session %q not found", sessionID)
	}
	return nil
}

// SetPreview stores the chunk snapshot and moves the session to
// preview_ready.
func (s *IngestionStore) SetPreview(ctx context.Context, sessionID string, chunks []PreviewChunk) error {
	snapJSON, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("ingestion store: marshal snapshot: %w", err)
	}

	const q = `
		UPDATE ingestion_sessions
		SET    stage = 'preview_ready', progress = 100, chunks_snapshot = $2
		WHERE  session_id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, snapJSON)
	if err != nil {
		return fmt.Errorf("ingestion store: set preview: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "ingestion session %q not found", sessionID)
	}
	return nil
}

// Complete records the rag entry ids produced by embedding and moves the
// session to completed. The stored ids make a second confirm idempotent.
func (s *IngestionStore) Complete(ctx context.Context, sessionID string, ragEntryIDs []string) error {
	const q = `
		UPDATE ingestion_sessions
		SET    stage = 'completed', progress = 100, rag_entry_ids = $2
		WHERE  session_id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, ragEntryIDs)
	if err != nil {
		return fmt.Errorf("ingestion store: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "ingestion session %q not found", sessionID)
	}
	return nil
}

// Fail terminates the session with an error message.
func (s *IngestionStore) Fail(ctx context.Context, sessionID, errorMessage string) error {
	const q = `
		UPDATE ingestion_sessions
		SET    stage = 'failed', error_message = $2
		WHERE  session_id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, errorMessage)
	if err != nil {
		return fmt.Errorf("ingestion store: fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "ingestion session %q not found", sessionID)
	}
	return nil
}

// Cancel moves a non-terminal session to cancelled and clears its preview
// snapshot. Cancelling a terminal session is a [apperr.Conflict] error.
func (s *IngestionStore) Cancel(ctx context.Context, sessionID string) error {
	const q = `
		UPDATE ingestion_sessions
		SET    stage = 'cancelled', chunks_snapshot = '[]'
		WHERE  session_id = $1
		  AND  stage NOT IN ('completed', 'failed', 'cancelled')`

	tag, err := s.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("ingestion store: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, getErr := s.Get(ctx, sessionID); getErr != nil {
			return getErr
		}
		return apperr.Errorf(apperr.Conflict, "ingestion session %q already terminal", sessionID)
	}
	return nil
}

// ExpireStale cancels sessions that are past their TTL and still below
// completed. Returns the ids of the sessions expired. Run daily.
func (s *IngestionStore) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
		UPDATE ingestion_sessions
		SET    stage = 'cancelled', chunks_snapshot = '[]',
		       error_message = 'expired: preview TTL elapsed'
		WHERE  expires_at <= $1
		  AND  stage NOT IN ('completed', 'failed', 'cancelled')
		RETURNING session_id`

	rows, err := s.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("ingestion store: expire stale: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ingestion store: expire scan: %w", err)
	}
	return ids, nil
}

func collectIngestions(rows pgx.Rows) ([]IngestionSession, error) {
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (IngestionSession, error) {
		var (
			is       IngestionSession
			snapJSON []byte
		)
		if err := row.Scan(
			&is.SessionID, &is.AgentID, &is.OrganizationID, &is.FileName, &is.FileType, &is.FileSize,
			&is.Stage, &is.Progress, &is.PreviewEnabled, &snapJSON, &is.RagEntryIDs,
			&is.ErrorMessage, &is.CreatedAt, &is.ExpiresAt,
		); err != nil {
			return IngestionSession{}, err
		}
		if err := json.Unmarshal(snapJSON, &is.ChunksSnapshot); err != nil {
			return IngestionSession{}, err
		}
		return is, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion store: scan rows: %w", err)
	}
	return sessions, nil
}
