package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAPIKeyParams are the inputs to creating a new API key record.
type CreateAPIKeyParams struct {
	TenantID  uuid.UUID
	UserID    uuid.UUID
	Name      string
	Scope     APIKeyScope
	ExpiresAt *time.Time
}

// CreateAPIKey inserts a new API key row and returns the record plus the raw
// key, which the caller must display exactly once.
func (s *PGStore) CreateAPIKey(ctx context.Context, pepper []byte, p CreateAPIKeyParams) (*APIKey, string, error) {
	raw, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	hash := HashAPIKey(pepper, raw)
	prefix := raw[:len(APIKeyPrefix)+8]

	key := &APIKey{
		ID:        uuid.New(),
		TenantID:  p.TenantID,
		UserID:    p.UserID,
		Name:      p.Name,
		Prefix:    prefix,
		Hash:      hash,
		Scope:     p.Scope,
		ExpiresAt: p.ExpiresAt,
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, user_id, name, key_prefix, key_hash, scope, revoked, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, now())
	`, key.ID, key.TenantID, key.UserID, key.Name, key.Prefix, key.Hash, string(key.Scope), key.ExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("creating api key: %w", err)
	}

	return key, raw, nil
}

// ListAPIKeys returns all API keys for a tenant, revoked ones included
// (each carries its Revoked flag).
func (s *PGStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, name, key_prefix, scope, revoked, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var scope string
		if err := rows.Scan(&k.ID, &k.TenantID, &k.UserID, &k.Name, &k.Prefix, &scope, &k.Revoked, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		k.Scope = APIKeyScope(scope)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// GetAPIKey returns a single key, scoped to the owning tenant: a lookup from
// any other tenant reports not-found rather than revealing the key exists.
func (s *PGStore) GetAPIKey(ctx context.Context, tenantID, keyID uuid.UUID) (*APIKey, error) {
	var k APIKey
	var scope string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, name, key_prefix, scope, revoked, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE id = $1 AND tenant_id = $2
	`, keyID, tenantID).Scan(&k.ID, &k.TenantID, &k.UserID, &k.Name, &k.Prefix, &scope, &k.Revoked, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	k.Scope = APIKeyScope(scope)
	return &k, nil
}

// CountAPIKeys returns the number of non-revoked keys a tenant currently
// holds, for the tier cap check at creation time.
func (s *PGStore) CountAPIKeys(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM api_keys WHERE tenant_id = $1 AND NOT revoked
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting api keys: %w", err)
	}
	return n, nil
}

// RevokeAPIKey marks an API key revoked, scoped to the owning tenant so one
// tenant can never revoke another's key by guessing an ID.
func (s *PGStore) RevokeAPIKey(ctx context.Context, tenantID, keyID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked = true WHERE id = $1 AND tenant_id = $2
	`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("api key not found")
	}
	return nil
}
