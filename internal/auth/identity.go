// Package auth implements authentication (session cookies, bearer tokens,
// API keys), two-factor enforcement, and role-based authorization for the
// gateway's control-plane API.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Org roles, in descending order of privilege.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// ValidRoles lists all known org roles in descending privilege order.
var ValidRoles = []string{RoleOwner, RoleAdmin, RoleMember, RoleViewer}

// Platform roles are orthogonal to org roles: they grant cross-tenant
// operator access regardless of any org membership.
const (
	PlatformRoleSuperadmin = "superadmin"
	PlatformRoleAdmin      = "admin"
	PlatformRoleStaff      = "staff"
)

// Method describes how the caller was authenticated for the current request.
const (
	MethodSession = "session"
	MethodAPIKey  = "apikey"
	MethodDev     = "dev"
	// MethodPendingTwoFactor marks an identity minted for a password-ok-but-
	// 2FA-not-yet-satisfied login. A
	// caller holding one can reach only the two-factor verification and
	// sign-out endpoints; RequireTwoFactorSatisfied rejects everything else.
	MethodPendingTwoFactor = "pending_2fa"
)

// Identity represents the authenticated caller for the current request.
type Identity struct {
	Subject      string     // user ID string or "apikey:<prefix>"
	Email        string     // empty for API keys
	Name         string
	Role         string     // one of the Role* org-role constants
	TenantSlug   string
	TenantID     uuid.UUID
	UserID       *uuid.UUID // non-nil for session-authenticated users
	APIKeyID     *uuid.UUID // non-nil for API-key authentication
	Method       string     // one of the Method* constants
	PlatformRole string     // empty unless the user holds a platform role
}

// HasPlatformRole reports whether the identity holds any platform role.
func (id *Identity) HasPlatformRole() bool {
	return id.PlatformRole != ""
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// IsValidRole reports whether role is a recognized org role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}
