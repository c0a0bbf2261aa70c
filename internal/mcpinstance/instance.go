// Package mcpinstance manages the upstream MCP servers a tenant has
// registered with the gateway. Rows live
// in the tenant's own schema, so isolation is structural the same way
// tenant.Middleware scopes every other tenant table — no org_id column is
// needed here because the connection's search_path already is the org.
package mcpinstance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the query surface Store methods run against: a tenant-scoped
// pooled connection or a transaction begun on one.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HealthStatus classifies the last probe result for an instance.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthUnknown  HealthStatus = "unknown"
)

// Instance is one tenant-registered upstream MCP server.
type Instance struct {
	ID           uuid.UUID
	DisplayName  string
	UpstreamURL  string
	UpstreamAuth string // opaque bearer token or similar presented to the upstream; never returned to callers
	Active       bool
	Health       HealthStatus
	LastProbedAt *time.Time
	CreatedAt    time.Time
}

// ErrNotFound is returned when an instance lookup matches no row.
var ErrNotFound = errors.New("mcpinstance: not found")

// Store is the tenant-scoped persistence operations over mcp_instances.
// Every method takes an already search_path-scoped DB, the same convention
// tenant.MembershipStore and support.Store follow.
type Store struct{}

// NewStore creates a Store.
func NewStore() *Store { return &Store{} }

// Create inserts a new instance as active, with health=unknown until the
// first probe.
func (s *Store) Create(ctx context.Context, db DB, displayName, upstreamURL, upstreamAuth string) (*Instance, error) {
	inst := &Instance{
		ID:           uuid.New(),
		DisplayName:  displayName,
		UpstreamURL:  upstreamURL,
		UpstreamAuth: upstreamAuth,
		Active:       true,
		Health:       HealthUnknown,
	}

	err := db.QueryRow(ctx, `
		INSERT INTO mcp_instances (id, display_name, upstream_url, upstream_auth, active, health, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at`,
		inst.ID, inst.DisplayName, inst.UpstreamURL, inst.UpstreamAuth, inst.Active, inst.Health,
	).Scan(&inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// List returns all instances for the tenant, most recently created first.
func (s *Store) List(ctx context.Context, db DB) ([]Instance, error) {
	rows, err := db.Query(ctx, `
		SELECT id, display_name, upstream_url, upstream_auth, active, health, last_probed_at, created_at
		FROM mcp_instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var i Instance
		if err := rows.Scan(&i.ID, &i.DisplayName, &i.UpstreamURL, &i.UpstreamAuth, &i.Active, &i.Health, &i.LastProbedAt, &i.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Get fetches one instance by id, scoped to the current tenant schema.
func (s *Store) Get(ctx context.Context, db DB, id uuid.UUID) (*Instance, error) {
	var i Instance
	err := db.QueryRow(ctx, `
		SELECT id, display_name, upstream_url, upstream_auth, active, health, last_probed_at, created_at
		FROM mcp_instances WHERE id = $1`, id,
	).Scan(&i.ID, &i.DisplayName, &i.UpstreamURL, &i.UpstreamAuth, &i.Active, &i.Health, &i.LastProbedAt, &i.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// Update changes the display name and upstream endpoint of an instance.
func (s *Store) Update(ctx context.Context, db DB, id uuid.UUID, displayName, upstreamURL, upstreamAuth string) error {
	tag, err := db.Exec(ctx, `
		UPDATE mcp_instances SET display_name = $2, upstream_url = $3, upstream_auth = $4
		WHERE id = $1`, id, displayName, upstreamURL, upstreamAuth)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the active flag, used to pause an instance without
// deleting its configuration or session history.
func (s *Store) SetActive(ctx context.Context, db DB, id uuid.UUID, active bool) error {
	tag, err := db.Exec(ctx, `UPDATE mcp_instances SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an instance permanently.
func (s *Store) Delete(ctx context.Context, db DB, id uuid.UUID) error {
	tag, err := db.Exec(ctx, `DELETE FROM mcp_instances WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHealth records the result of a probe. Called by the worker-mode
// prober (internal/mcpinstance.Prober), never from request-handling code.
func (s *Store) UpdateHealth(ctx context.Context, db DB, id uuid.UUID, health HealthStatus, probedAt time.Time) error {
	_, err := db.Exec(ctx, `UPDATE mcp_instances SET health = $2, last_probed_at = $3 WHERE id = $1`, id, health, probedAt)
	return err
}

// ActiveRef is the minimal information the prober needs to reach an
// instance, scoped to one tenant schema.
type ActiveRef struct {
	TenantSchema string
	ID           uuid.UUID
	UpstreamURL  string
}

// ListAllActive scans every tenant schema in schemas for active instances,
// used by the worker-mode health prober which has no single authenticated
// tenant to scope to.
func (s *Store) ListAllActive(ctx context.Context, pool *pgxpool.Pool, schemas []string) ([]ActiveRef, error) {
	var out []ActiveRef
	for _, schema := range schemas {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schema+", public"); err != nil {
			conn.Release()
			return nil, err
		}

		rows, err := conn.Query(ctx, `SELECT id, upstream_url FROM mcp_instances WHERE active`)
		if err != nil {
			conn.Release()
			return nil, err
		}
		for rows.Next() {
			var ref ActiveRef
			ref.TenantSchema = schema
			if err := rows.Scan(&ref.ID, &ref.UpstreamURL); err != nil {
				rows.Close()
				conn.Release()
				return nil, err
			}
			out = append(out, ref)
		}
		rows.Close()
		conn.Release()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
