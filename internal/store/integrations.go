package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// IntegrationStore persists integration bindings. Obtain one via
// [Store.Integrations].
type IntegrationStore struct {
	pool *pgxpool.Pool
}

const bindingSelect = `
	SELECT integration_id, agent_id, organization_id, tool_id, name, config,
	       triggers, enabled, created_at, updated_at
	FROM   integration_bindings`

// Create inserts a new binding.
func (s *IntegrationStore) Create(ctx context.Context, b IntegrationBinding) error {
	cfgJSON, err := json.Marshal(orDefault(b.Config))
	if err != nil {
		return fmt.Errorf("integration store: marshal config: %w", err)
	}

	triggers := make([]string, len(b.Triggers))
	for i, t := range b.Triggers {
		triggers[i] = string(t)
	}

	const q = `
		INSERT INTO integration_bindings
		    (integration_id, agent_id, organization_id, tool_id, name, config, triggers, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.pool.Exec(ctx, q,
		b.IntegrationID, b.AgentID, b.OrganizationID, b.ToolID, b.Name, cfgJSON, triggers, b.Enabled,
	)
	if isUniqueViolation(err) {
		return apperr.Errorf(apperr.Conflict, "integration %q already exists", b.IntegrationID)
	}
	if err != nil {
		return fmt.Errorf("integration store: create: %w", err)
	}
	return nil
}

// Get retrieves a binding by id.
func (s *IntegrationStore) Get(ctx context.Context, integrationID string) (*IntegrationBinding, error) {
	rows, err := s.pool.Query(ctx, bindingSelect+` WHERE integration_id = $1`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("integration store: get: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "integration %q not found", integrationID)
	}
	return &bindings[0], nil
}

// ListEnabled returns the enabled bindings of an agent that subscribe to the
// given trigger. This is the dispatcher's fan-out query.
func (s *IntegrationStore) ListEnabled(ctx context.Context, agentID string, trigger Trigger) ([]IntegrationBinding, error) {
	const q = bindingSelect + `
		WHERE agent_id = $1 AND enabled AND $2 = ANY(triggers)
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, agentID, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("integration store: list enabled: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, err
	}
	if bindings == nil {
		bindings = []IntegrationBinding{}
	}
	return bindings, nil
}

// List returns all bindings of an agent.
func (s *IntegrationStore) List(ctx context.Context, agentID string) ([]IntegrationBinding, error) {
	rows, err := s.pool.Query(ctx, bindingSelect+` WHERE agent_id = $1 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("integration store: list: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, err
	}
	if bindings == nil {
		bindings = []IntegrationBinding{}
	}
	return bindings, nil
}

// SetEnabled flips a binding on or off.
func (s *IntegrationStore) SetEnabled(ctx context.Context, integrationID string, enabled bool) error {
	const q = `UPDATE integration_bindings SET enabled = $2, updated_at = now() WHERE integration_id = $1`
	tag, err := s.pool.Exec(ctx, q, integrationID, enabled)
	if err != nil {
		return fmt.Errorf("integration store: set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Errorf(apperr.NotFound, "integration %q not found", integrationID)
	}
	return nil
}

// Delete removes a binding. Deleting a non-existent binding is not an error.
func (s *IntegrationStore) Delete(ctx context.Context, integrationID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM integration_bindings WHERE integration_id = $1`, integrationID); err != nil {
		return fmt.Errorf("integration store: delete: %w", err)
	}
	return nil
}

func collectBindings(rows pgx.Rows) ([]IntegrationBinding, error) {
	bindings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (IntegrationBinding, error) {
		var (
			b        IntegrationBinding
			cfgJSON  []byte
			triggers []string
		)
		if err := row.Scan(
			&b.IntegrationID, &b.AgentID, &b.OrganizationID, &b.ToolID, &b.Name, &cfgJSON,
			&triggers, &b.Enabled, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return IntegrationBinding{}, err
		}
		if err := json.Unmarshal(cfgJSON, &b.Config); err != nil {
			return IntegrationBinding{}, err
		}
		b.Triggers = make([]Trigger, len(triggers))
		for i, t := range triggers {
			b.Triggers[i] = Trigger(t)
		}
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("integration store: scan rows: %w", err)
	}
	return bindings, nil
}
