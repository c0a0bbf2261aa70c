package tenant

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/auth"
)

// Lookup retrieves tenant metadata by slug.
type Lookup interface {
	LookupBySlug(ctx context.Context, slug string) (id uuid.UUID, name, tier string, err error)
}

// DefaultLookup provides a raw-SQL Lookup using a pgxpool.Pool.
type DefaultLookup struct {
	Pool *pgxpool.Pool
}

// LookupBySlug implements Lookup.
func (d *DefaultLookup) LookupBySlug(ctx context.Context, slug string) (uuid.UUID, string, string, error) {
	var tenantID uuid.UUID
	var name, tier string
	err := d.Pool.QueryRow(ctx,
		`SELECT id, name, tier FROM tenants WHERE slug = $1`,
		slug,
	).Scan(&tenantID, &name, &tier)
	if err != nil {
		return uuid.Nil, "", "", err
	}
	return tenantID, name, tier, nil
}

// resolver reads the tenant slug out of the auth Identity already stored in
// context by auth.Middleware — tenant resolution always follows
// authentication, never the other way around.
type resolver struct{}

func (resolver) resolve(r *http.Request) (string, error) {
	id := auth.FromContext(r.Context())
	if id == nil || id.TenantSlug == "" {
		return "", apierr.New(apierr.KindUnauthenticated, "no authenticated tenant")
	}
	return id.TenantSlug, nil
}

// Middleware resolves the tenant, acquires a dedicated database connection,
// sets the PostgreSQL search_path to the tenant's schema, and stores both
// the tenant info and the scoped connection in the request context. The
// connection is released after the downstream handler returns.
func Middleware(pool *pgxpool.Pool, logger *slog.Logger) func(http.Handler) http.Handler {
	return MiddlewareWithLookup(pool, &DefaultLookup{Pool: pool}, logger)
}

// MiddlewareWithLookup is like Middleware but accepts a custom Lookup.
func MiddlewareWithLookup(pool *pgxpool.Pool, lookup Lookup, logger *slog.Logger) func(http.Handler) http.Handler {
	var res resolver
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug, err := res.resolve(r)
			if err != nil {
				apierr.Respond(w, err)
				return
			}

			tenantID, name, tier, err := lookup.LookupBySlug(r.Context(), slug)
			if err != nil {
				logger.Warn("tenant not found", "slug", slug, "error", err)
				apierr.Respond(w, apierr.New(apierr.KindUnauthenticated, "unknown tenant"))
				return
			}

			schema := SchemaName(slug)

			conn, err := pool.Acquire(r.Context())
			if err != nil {
				logger.Error("acquiring database connection", "error", err)
				apierr.Respond(w, apierr.New(apierr.KindTransient, "database connection unavailable"))
				return
			}

			searchPath := schema + ", public"
			if _, err := conn.Exec(r.Context(), "SELECT set_config('search_path', $1, false)", searchPath); err != nil {
				conn.Release()
				logger.Error("setting search_path", "schema", schema, "error", err)
				apierr.Respond(w, apierr.New(apierr.KindInternal, "database configuration error"))
				return
			}

			info := &Info{ID: tenantID, Name: name, Slug: slug, Schema: schema, Tier: tier}

			ctx := NewContext(r.Context(), info)
			ctx = NewConnContext(ctx, conn)

			logger.Debug("tenant resolved", "tenant_id", tenantID, "slug", slug, "schema", schema)

			defer conn.Release()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
