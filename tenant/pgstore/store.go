// Package pgstore resolves tenants from a Postgres tenants table.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glimte/mmate-eventbus/tenant"
)

// Schema creates the table Store reads from.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	code              TEXT PRIMARY KEY,
	connection_string TEXT NOT NULL
)`

// Store is a tenant.Resolver backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. Close will close it.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetTenant implements tenant.Resolver.
func (s *Store) GetTenant(ctx context.Context, code string) (*tenant.Tenant, error) {
	const query = `SELECT code, connection_string FROM tenants WHERE code = $1`

	t := &tenant.Tenant{}
	err := s.pool.QueryRow(ctx, query, code).Scan(&t.Code, &t.ConnectionString)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: query tenant %s: %w", code, err)
	}
	return t, nil
}

// Upsert stores a tenant's connection string as given.
func (s *Store) Upsert(ctx context.Context, t tenant.Tenant) error {
	const query = `
		INSERT INTO tenants (code, connection_string) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET connection_string = EXCLUDED.connection_string
	`
	if _, err := s.pool.Exec(ctx, query, t.Code, t.ConnectionString); err != nil {
		return fmt.Errorf("pgstore: upsert tenant %s: %w", t.Code, err)
	}
	return nil
}

// Migrate creates the tenants table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}
