package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// SessionStore persists call sessions and their transcripts. Obtain one via
// [Store.Sessions].
type SessionStore struct {
	pool *pgxpool.Pool
}

const sessionSelect = `
	SELECT session_id, organization_id, agent_id, room_name, participant_identity,
	       call_type, status, started_at, ended_at, duration_seconds,
	       caller_phone_number, destination_phone_number, call_sid,
	       sip_participant_id, call_direction, is_telephony, metadata
	FROM   call_sessions`

// Create inserts a new active call session.
func (s *SessionStore) Create(ctx context.Context, cs CallSession) error {
	metaJSON, err := json.Marshal(orDefault(cs.Metadata))
	if err != nil {
		return fmt.Errorf("session store: marshal metadata: %w", err)
	}

	startedAt := cs.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	status := cs.Status
	if status == "" {
		status = SessionActive
	}

	const q = `
		INSERT INTO call_sessions
		    (session_id, organization_id, agent_id, room_name, participant_identity,
		     call_type, status, started_at,
		     caller_phone_number, destination_phone_number, call_sid,
		     sip_participant_id, call_direction, is_telephony, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.pool.Exec(ctx, q,
		cs.SessionID, cs.OrganizationID, cs.AgentID, cs.RoomName, cs.ParticipantIdentity,
		cs.CallType, string(status), startedAt,
		cs.CallerPhoneNumber, cs.DestinationPhoneNumber, cs.CallSID,
		cs.SIPParticipantID, cs.CallDirection, cs.IsTelephony, metaJSON,
	)
	if isUniqueViolation(err) {
		return apperr.Errorf(apperr.Conflict, "session %q already exists", cs.SessionID)
	}
	if err != nil {
		return fmt.Errorf("session store: create: %w", err)
	}
	return nil
}

// Get retrieves a session by id. Returns a [apperr.NotFound] error when it
// does not exist.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*CallSession, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+` WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "session %q not found", sessionID)
	}
	return &sessions[0], nil
}

// SessionFilter scopes a List query. Zero fields are ignored.
type SessionFilter struct {
	AgentID        string
	OrganizationID string
	Status         SessionStatus
	Limit          int
}

// List returns sessions matching filter, newest first.
func (s *SessionStore) List(ctx context.Context, filter SessionFilter) ([]CallSession, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	q := sessionSelect
	var conditions []string
	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = "+next(filter.AgentID))
	}
	if filter.OrganizationID != "" {
		conditions = append(conditions, "organization_id = "+next(filter.OrganizationID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+next(string(filter.Status)))
	}
	for i, c := range conditions {
		if i == 0 {
			q += "\nWHERE " + c
		} else {
			q += "\n  AND " + c
		}
	}
	q += "\nORDER BY started_at DESC"
	if filter.Limit > 0 {
		q += "\nLIMIT " + next(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []CallSession{}
	}
	return sessions, nil
}

// End terminates a session: sets its final status, ended_at, and the derived
// duration in whole seconds. Ending an already ended session keeps the first
// end time.
func (s *SessionStore) End(ctx context.Context, sessionID string, status SessionStatus, endedAt time.Time) error {
	const q = `
		UPDATE call_sessions
		SET    status = $2,
		       ended_at = COALESCE(ended_at, $3),
		       duration_seconds = GREATEST(0,
		           FLOOR(EXTRACT(EPOCH FROM COALESCE(ended_at, $3) - started_at)))::int
		WHERE  session_id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("session store: end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "session %q not found", sessionID)
	}
	return nil
}

// UpdateMetadata merges the given keys into the session's metadata blob.
func (s *SessionStore) UpdateMetadata(ctx context.Context, sessionID string, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("session store: marshal metadata: %w", err)
	}
	const q = `UPDATE call_sessions SET metadata = metadata || $2::jsonb WHERE session_id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, metaJSON)
	if err != nil {
		return fmt.Errorf("session store: update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "session %q not found", sessionID)
	}
	return nil
}

// AppendTranscript writes a batch of transcript entries for the session in
// one round trip. Entries must already be in timestamp order.
func (s *SessionStore) AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const q = `
		INSERT INTO transcript_entries
		    (session_id, timestamp, speaker, text, entry_type, latency_ms, confidence, function_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, e := range entries {
		entryType := e.Type
		if entryType == "" {
			entryType = types.EntrySpeech
		}
		batch.Queue(q,
			sessionID, e.Timestamp, string(e.Speaker), e.Text,
			string(entryType), e.LatencyMs, e.Confidence, e.FunctionName,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("session store: append transcript: %w", err)
		}
	}
	return nil
}

// Transcript returns the full transcript of a session ordered by timestamp.
func (s *SessionStore) Transcript(ctx context.Context, sessionID string) ([]types.TranscriptEntry, error) {
	const q = `
		SELECT timestamp, speaker, text, entry_type, latency_ms, confidence, function_name
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEntry, error) {
		var (
			e          types.TranscriptEntry
			speaker    string
			entryType  string
			confidence float32
		)
		if err := row.Scan(&e.Timestamp, &speaker, &e.Text, &entryType, &e.LatencyMs, &confidence, &e.FunctionName); err != nil {
			return types.TranscriptEntry{}, err
		}
		e.Speaker = types.Speaker(speaker)
		e.Type = types.TranscriptEntryType(entryType)
		e.Confidence = float64(confidence)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan transcript: %w", err)
	}
	if entries == nil {
		entries = []types.TranscriptEntry{}
	}
	return entries, nil
}

// CountActive returns the number of sessions currently in the active state.
func (s *SessionStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM call_sessions WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session store: count active: %w", err)
	}
	return n, nil
}

func collectSessions(rows pgx.Rows) ([]CallSession, error) {
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallSession, error) {
		var (
			cs       CallSession
			endedAt  *time.Time
			metaJSON []byte
		)
		if err := row.Scan(
			&cs.SessionID, &cs.OrganizationID, &cs.AgentID, &cs.RoomName, &cs.ParticipantIdentity,
			&cs.CallType, &cs.Status, &cs.StartedAt, &endedAt, &cs.DurationSeconds,
			&cs.CallerPhoneNumber, &cs.DestinationPhoneNumber, &cs.CallSID,
			&cs.SIPParticipantID, &cs.CallDirection, &cs.IsTelephony, &metaJSON,
		); err != nil {
			return CallSession{}, err
		}
		if endedAt != nil {
			cs.EndedAt = *endedAt
		}
		if err := json.Unmarshal(metaJSON, &cs.Metadata); err != nil {
			return CallSession{}, err
		}
		return cs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	return sessions, nil
}
