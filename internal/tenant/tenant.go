// Package tenant resolves the per-request organization and scopes database
// access to that organization's dedicated Postgres schema.
package tenant

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the query surface the tenant-scoped stores run against. Both a
// pooled connection (search_path already set) and a transaction begun on
// one satisfy it, so a handler can run a mutation and its audit append in
// the same transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Info describes the resolved tenant for the current request.
type Info struct {
	ID     uuid.UUID
	Name   string
	Slug   string
	Schema string
	Tier   string
}

// SchemaName returns the Postgres schema name for a tenant slug.
func SchemaName(slug string) string {
	return "tenant_" + slug
}

// ListTenantSlugs returns every non-deleted tenant's schema name, used by
// the worker-mode MCP instance health prober, which must iterate across
// every tenant schema rather than one resolved from a request.
func ListTenantSlugs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT slug FROM public.tenants WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		out = append(out, SchemaName(slug))
	}
	return out, rows.Err()
}

// WithConn acquires a pooled connection scoped to slug's schema and passes
// it to fn, releasing it afterward regardless of outcome. For callers
// outside the request/response cycle (the realtime room authorizer, worker
// sweeps) that need the same schema-scoping tenant.Middleware gives HTTP
// handlers.
func WithConn(ctx context.Context, pool *pgxpool.Pool, slug string, fn func(conn *pgxpool.Conn) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	searchPath := SchemaName(slug) + ", public"
	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", searchPath); err != nil {
		return err
	}
	return fn(conn)
}

type ctxKey string

const (
	infoKey ctxKey = "tenant_info"
	connKey ctxKey = "tenant_conn"
)

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts tenant info from the context.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}

// NewConnContext stores the tenant-scoped connection in the context.
func NewConnContext(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext extracts the tenant-scoped connection from the context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	v, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return v
}
