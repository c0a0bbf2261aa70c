package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Storage against Postgres: hand-written SQL with $N
// placeholders and manual Scan calls, no code generation.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const apiKeyColumns = `id, tenant_id, user_id, name, key_prefix, key_hash, scope, revoked, expires_at, last_used_at`

func scanAPIKeyLookup(row pgx.Row) (*APIKeyLookup, error) {
	var l APIKeyLookup
	var name, scope string
	var revoked bool
	var expiresAt, lastUsedAt *time.Time

	if err := row.Scan(&l.APIKeyID, &l.TenantID, &l.UserID, &name, &l.KeyPrefix, new(string), &scope, &revoked, &expiresAt, &lastUsedAt); err != nil {
		return nil, err
	}
	l.Scope = APIKeyScope(scope)
	l.Revoked = revoked
	l.ExpiresAt = expiresAt
	l.Role = RoleMember
	return &l, nil
}

// GetAPIKeyByHash looks up an API key by its HMAC digest.
func (s *PGStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyLookup, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM api_keys
		WHERE key_hash = $1
	`, apiKeyColumns), hash)

	result, err := scanAPIKeyLookup(row)
	if err != nil {
		return nil, fmt.Errorf("looking up api key by hash: %w", err)
	}

	// The key's effective role is the creator's current membership role in
	// the owning tenant's schema, so demoting or suspending a member
	// immediately constrains every key they issued.
	t, err := s.GetTenant(ctx, result.TenantID)
	if err == nil {
		if role, rerr := s.memberRole(ctx, t.Slug, result.UserID); rerr == nil {
			result.Role = role
		}
	}

	return result, nil
}

func (s *PGStore) memberRole(ctx context.Context, slug string, userID uuid.UUID) (string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(slug)); err != nil {
		return "", fmt.Errorf("setting search_path: %w", err)
	}

	var role string
	if err := conn.QueryRow(ctx, `SELECT role FROM members WHERE user_id = $1`, userID).Scan(&role); err != nil {
		return "", fmt.Errorf("resolving member role: %w", err)
	}
	return role, nil
}

// UpdateAPIKeyLastUsed records the current time as the key's last-used timestamp.
func (s *PGStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("updating api key last used: %w", err)
	}
	return nil
}

// GetTenant looks up a tenant by ID.
func (s *PGStore) GetTenant(ctx context.Context, id uuid.UUID) (*TenantRef, error) {
	var t TenantRef
	t.ID = id
	err := s.pool.QueryRow(ctx, `SELECT slug FROM tenants WHERE id = $1`, id).Scan(&t.Slug)
	if err != nil {
		return nil, fmt.Errorf("looking up tenant %s: %w", id, err)
	}
	return &t, nil
}

// GetTenantBySlug looks up a tenant by slug.
func (s *PGStore) GetTenantBySlug(ctx context.Context, slug string) (*TenantRef, error) {
	var t TenantRef
	t.Slug = slug
	err := s.pool.QueryRow(ctx, `SELECT id FROM tenants WHERE slug = $1`, slug).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up tenant %q: %w", slug, err)
	}
	return &t, nil
}

// GetDevAdminUser resolves a convenience owner-role user for a tenant when
// running in dev mode, so X-Tenant-Slug requests act as a real user instead
// of an anonymous identity with no row to attribute writes to.
func (s *PGStore) GetDevAdminUser(ctx context.Context, slug string) (userID uuid.UUID, email, displayName string, err error) {
	schema := "tenant_" + slug

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schema); err != nil {
		return uuid.Nil, "", "", fmt.Errorf("setting search_path: %w", err)
	}

	err = conn.QueryRow(ctx, `
		SELECT u.id, u.email, u.display_name
		FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.role = 'owner'
		ORDER BY m.created_at ASC
		LIMIT 1
	`).Scan(&userID, &email, &displayName)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("resolving dev admin user: %w", err)
	}

	return userID, email, displayName, nil
}
