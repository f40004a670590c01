package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint hits.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// OrgStore persists organizations. Obtain one via [Store.Orgs].
type OrgStore struct {
	pool *pgxpool.Pool
}

// Create inserts a new organization. Returns a [apperr.Conflict] error when
// the slug is already taken.
func (s *OrgStore) Create(ctx context.Context, org Organization) error {
	cfgJSON, err := json.Marshal(orDefault(org.Config))
	if err != nil {
		return fmt.Errorf("org store: marshal config: %w", err)
	}

	const q = `
		INSERT INTO organizations (id, slug, name, status, config)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = s.pool.Exec(ctx, q, org.ID, org.Slug, org.Name, string(orgStatusOrActive(org.Status)), cfgJSON)
	if isUniqueViolation(err) {
		return apperr.Errorf(apperr.Conflict, "organization slug %q already exists", org.Slug)
	}
	if err != nil {
		return fmt.Errorf("org store: create: %w", err)
	}
	return nil
}

// Get retrieves an organization by id. Returns a [apperr.NotFound] error when
// it does not exist.
func (s *OrgStore) Get(ctx context.Context, id string) (*Organization, error) {
	const q = orgSelect + ` WHERE id = $1`
	return s.queryOne(ctx, q, id)
}

// GetBySlug retrieves an organization by its unique slug.
func (s *OrgStore) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	const q = orgSelect + ` WHERE slug = $1`
	return s.queryOne(ctx, q, slug)
}

// List returns all organizations ordered by creation time.
func (s *OrgStore) List(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, orgSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("org store: list: %w", err)
	}
	orgs, err := collectOrgs(rows)
	if err != nil {
		return nil, err
	}
	if orgs == nil {
		orgs = []Organization{}
	}
	return orgs, nil
}

const orgSelect = `
	SELECT id, slug, name, status, config, created_at, updated_at
	FROM   organizations`

func (s *OrgStore) queryOne(ctx context.Context, q string, arg any) (*Organization, error) {
	rows, err := s.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("org store: query: %w", err)
	}
	orgs, err := collectOrgs(rows)
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		return nil, apperr.Errorf(apperr.NotFound, "organization %v not found", arg)
	}
	return &orgs[0], nil
}

func collectOrgs(rows pgx.Rows) ([]Organization, error) {
	orgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Organization, error) {
		var (
			o       Organization
			cfgJSON []byte
		)
		if err := row.Scan(&o.ID, &o.Slug, &o.Name, &o.Status, &cfgJSON, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return Organization{}, err
		}
		if err := json.Unmarshal(cfgJSON, &o.Config); err != nil {
			return Organization{}, err
		}
		return o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("org store: scan rows: %w", err)
	}
	return orgs, nil
}

func orgStatusOrActive(st OrgStatus) OrgStatus {
	if st == "" {
		return OrgActive
	}
	return st
}

// orDefault normalizes a nil config map to an empty one so it serializes to
// the JSONB column default.
func orDefault(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
