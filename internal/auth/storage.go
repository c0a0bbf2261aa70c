package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantRef is the minimal tenant information the auth package needs. The
// full tenant record lives in package tenant; auth only needs enough to
// populate an Identity without importing tenant and creating a cycle.
type TenantRef struct {
	ID   uuid.UUID
	Slug string
}

// APIKeyLookup is what Middleware gets back from a successful key lookup.
type APIKeyLookup struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	UserID    uuid.UUID
	Role      string
	KeyPrefix string
	Scope     APIKeyScope
	Revoked   bool
	ExpiresAt *time.Time
}

// Storage abstracts the persistence operations Middleware and the
// authentication handlers need, so the HTTP layer never issues raw SQL
// itself.
type Storage interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyLookup, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	GetTenant(ctx context.Context, id uuid.UUID) (*TenantRef, error)
	GetTenantBySlug(ctx context.Context, slug string) (*TenantRef, error)
	GetDevAdminUser(ctx context.Context, slug string) (userID uuid.UUID, email, displayName string, err error)
}
