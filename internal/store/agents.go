package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// AgentStore persists agents. Obtain one via [Store.Agents].
type AgentStore struct {
	pool *pgxpool.Pool
}

const agentSelect = `
	SELECT a.id, a.organization_id, a.display_name, a.persona_name, a.language,
	       a.voice_id, a.system_prompt, a.greeting, a.farewell,
	       a.phone_country_code, a.phone_number, a.phone_location,
	       a.status, a.created_at, a.updated_at,
	       (SELECT count(*) FROM call_sessions cs WHERE cs.agent_id = a.id) AS number_of_calls
	FROM   agents a`

// Create inserts a new agent.
func (s *AgentStore) Create(ctx context.Context, a Agent) error {
	const q = `
		INSERT INTO agents
		    (id, organization_id, display_name, persona_name, language, voice_id,
		     system_prompt, greeting, farewell,
		     phone_country_code, phone_number, phone_location, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	status := a.Status
	if status == "" {
		status = AgentActive
	}
	_, err := s.pool.Exec(ctx, q,
		a.ID, a.OrganizationID, a.DisplayName, a.PersonaName, a.Language, a.VoiceID,
		a.SystemPrompt, a.Greeting, a.Farewell,
		a.PhoneCountryCode, a.PhoneNumber, a.PhoneLocation, string(status),
	)
	if isUniqueViolation(err) {
		return apperr.Errorf(apperr.Conflict, "agent %q already exists", a.ID)
	}
	if err != nil {
		return fmt.Errorf("agent store: create: %w", err)
	}
	return nil
}

// Get retrieves an agent by id. Returns a [apperr.NotFound] error when it
// does not exist.
func (s *AgentStore) Get(ctx context.Context, id string) (*Agent, error) {
	rows, err := s.pool.Query(ctx, agentSelect+` WHERE a.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("agent store: get: %w", err)
	}
	agents, err := collectAgents(rows)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "agent %q not found", id)
	}
	return &agents[0], nil
}

// List returns all agents of an organization ordered by creation time.
func (s *AgentStore) List(ctx context.Context, organizationID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx,
		agentSelect+` WHERE a.organization_id = $1 ORDER BY a.created_at`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("agent store: list: %w", err)
	}
	agents, err := collectAgents(rows)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []Agent{}
	}
	return agents, nil
}

// Update replaces the mutable fields of an agent. Returns a [apperr.NotFound]
// error when the agent does not exist.
func (s *AgentStore) Update(ctx context.Context, a Agent) error {
	const q = `
		UPDATE agents
		SET    display_name = $2, persona_name = $3, language = $4, voice_id = $5,
		       system_prompt = $6, greeting = $7, farewell = $8,
		       phone_country_code = $9, phone_number = $10, phone_location = $11,
		       updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q,
		a.ID, a.DisplayName, a.PersonaName, a.Language, a.VoiceID,
		a.SystemPrompt, a.Greeting, a.Farewell,
		a.PhoneCountryCode, a.PhoneNumber, a.PhoneLocation,
	)
	if err != nil {
		return fmt.Errorf("agent store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "agent %q not found", a.ID)
	}
	return nil
}

// UpdateStatus sets an agent's operational status.
func (s *AgentStore) UpdateStatus(ctx context.Context, id string, status AgentStatus) error {
	const q = `UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return fmt.Errorf("agent store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "agent %q not found", id)
	}
	return nil
}

// Delete removes an agent. Chunks and documents of the agent are removed by
// the caller before the row goes away; deleting a non-existent agent is not
// an error.
func (s *AgentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("agent store: delete: %w", err)
	}
	return nil
}

// FindByPhone returns the active agent bound to the given phone pair, for
// inbound call routing. Returns a [apperr.NotFound] error when no active
// agent holds the number.
func (s *AgentStore) FindByPhone(ctx context.Context, countryCode, number string) (*Agent, error) {
	rows, err := s.pool.Query(ctx,
		agentSelect+` WHERE a.phone_country_code = $1 AND a.phone_number = $2 AND a.status = 'active'`,
		countryCode, number)
	if err != nil {
		return nil, fmt.Errorf("agent store: find by phone: %w", err)
	}
	agents, err := collectAgents(rows)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "no active agent for +%s %s", countryCode, number)
	}
	return &agents[0], nil
}

// PhoneConflicts returns the other active agents holding the same phone pair
// as the given agent. An agent without a phone binding has no conflicts.
// Conflicts are reported, not rejected; the caller decides what to surface.
func (s *AgentStore) PhoneConflicts(ctx context.Context, id string) ([]Agent, error) {
	const q = agentSelect + `
		WHERE a.id <> $1
		  AND a.status = 'active'
		  AND a.phone_number <> ''
		  AND (a.phone_country_code, a.phone_number) IN
		      (SELECT phone_country_code, phone_number FROM agents WHERE id = $1)`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("agent store: phone conflicts: %w", err)
	}
	agents, err := collectAgents(rows)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []Agent{}
	}
	return agents, nil
}

func collectAgents(rows pgx.Rows) ([]Agent, error) {
	agents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Agent, error) {
		var (
			a     Agent
			calls int64
		)
		if err := row.Scan(
			&a.ID, &a.OrganizationID, &a.DisplayName, &a.PersonaName, &a.Language,
			&a.VoiceID, &a.SystemPrompt, &a.Greeting, &a.Farewell,
			&a.PhoneCountryCode, &a.PhoneNumber, &a.PhoneLocation,
			&a.Status, &a.CreatedAt, &a.UpdatedAt, &calls,
		); err != nil {
			return Agent{}, err
		}
		a.NumberOfCalls = int(calls)
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("agent store: scan rows: %w", err)
	}
	return agents, nil
}
