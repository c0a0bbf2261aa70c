package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/platform"
)

var slugRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{1,62}$`)

// Store abstracts the global tenant-row CRUD so the provisioner can be
// exercised without a live database.
type Store interface {
	CreateTenant(ctx context.Context, name, slug, tier string) (uuid.UUID, error)
	DeleteTenant(ctx context.Context, id uuid.UUID) error
}

// DefaultStore is a raw-SQL Store backed by the public schema.
type DefaultStore struct {
	Pool *pgxpool.Pool
}

func (s *DefaultStore) CreateTenant(ctx context.Context, name, slug, tier string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO public.tenants (name, slug, tier) VALUES ($1, $2, $3) RETURNING id`,
		name, slug, tier,
	).Scan(&id)
	return id, err
}

func (s *DefaultStore) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
	return err
}

// Provisioner creates and tears down tenants, including their dedicated
// Postgres schema and the migrations run against it.
type Provisioner struct {
	DB            *pgxpool.Pool
	Store         Store // if nil, uses DefaultStore with raw SQL
	DatabaseURL   string
	MigrationsDir string
	Logger        *slog.Logger
}

func (p *Provisioner) store() Store {
	if p.Store != nil {
		return p.Store
	}
	return &DefaultStore{Pool: p.DB}
}

// Provision inserts the global tenant row, creates the tenant's schema, and
// runs tenant migrations against it. On any failure after the row insert it
// makes a best-effort attempt to roll back what it already created.
func (p *Provisioner) Provision(ctx context.Context, name, slug, tier string) (*Info, error) {
	if !slugRegex.MatchString(slug) {
		return nil, fmt.Errorf("invalid tenant slug: %q", slug)
	}

	tenantID, err := p.store().CreateTenant(ctx, name, slug, tier)
	if err != nil {
		return nil, fmt.Errorf("inserting tenant: %w", err)
	}

	schema := SchemaName(slug)

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		_ = p.store().DeleteTenant(ctx, tenantID)
		return nil, fmt.Errorf("creating schema %s: %w", schema, err)
	}

	tenantURL := platform.WithSearchPath(p.DatabaseURL, schema)

	if err := platform.RunTenantMigrations(tenantURL, p.MigrationsDir); err != nil {
		_, _ = p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		_ = p.store().DeleteTenant(ctx, tenantID)
		return nil, fmt.Errorf("running tenant migrations: %w", err)
	}

	p.Logger.Info("tenant provisioned", "tenant_id", tenantID, "slug", slug, "schema", schema, "tier", tier)

	return &Info{ID: tenantID, Name: name, Slug: slug, Schema: schema, Tier: tier}, nil
}

// Deprovision drops the tenant's schema and removes its global record. The
// schema drop is irreversible; callers are expected to have already
// confirmed the tenant is meant to be destroyed.
func (p *Provisioner) Deprovision(ctx context.Context, slug string) error {
	schema := SchemaName(slug)

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		return fmt.Errorf("dropping schema %s: %w", schema, err)
	}

	var tenantID uuid.UUID
	err := p.DB.QueryRow(ctx, `SELECT id FROM public.tenants WHERE slug = $1`, slug).Scan(&tenantID)
	if err != nil {
		return fmt.Errorf("looking up tenant %q: %w", slug, err)
	}

	if err := p.store().DeleteTenant(ctx, tenantID); err != nil {
		return fmt.Errorf("deleting tenant record: %w", err)
	}

	p.Logger.Info("tenant deprovisioned", "slug", slug, "schema", schema)
	return nil
}
