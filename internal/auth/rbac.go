package auth

import (
	"net/http"

	"github.com/wisbric/mcpgate/internal/apierr"
)

// roleLevel assigns a numeric rank to each org role so RequireMinRole can
// compare roles without an explicit allow-list at every call site.
var roleLevel = map[string]int{
	RoleOwner:  40,
	RoleAdmin:  30,
	RoleMember: 20,
	RoleViewer: 10,
}

// platformRoleLevel ranks platform roles the same way, independent of org role.
var platformRoleLevel = map[string]int{
	PlatformRoleSuperadmin: 30,
	PlatformRoleAdmin:      20,
	PlatformRoleStaff:      10,
}

// RequireAuth rejects the request unless an identity is present in context.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			apierr.Respond(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole allows only identities whose role is in the given set.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		set[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				apierr.Respond(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
				return
			}
			if !set[id.Role] {
				apierr.Respond(w, apierr.New(apierr.KindForbidden, "insufficient role for this operation"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMinRole allows identities whose role ranks at or above minRole.
func RequireMinRole(minRole string) func(http.Handler) http.Handler {
	threshold := roleLevel[minRole]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				apierr.Respond(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
				return
			}
			if roleLevel[id.Role] < threshold {
				apierr.Respond(w, apierr.New(apierr.KindForbidden, "insufficient role for this operation"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePlatformRole allows only identities holding at least minRole as a
// platform role, independent of their org role — used for cross-tenant
// operator endpoints.
func RequirePlatformRole(minRole string) func(http.Handler) http.Handler {
	threshold := platformRoleLevel[minRole]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil || platformRoleLevel[id.PlatformRole] < threshold {
				apierr.Respond(w, apierr.New(apierr.KindForbidden, "platform operator role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTwoFactorSatisfied rejects any identity minted by a pending 2FA
// login. Mounted on every /api/v1 route; the
// verify and logout endpoints live outside that router entirely so they
// never pass through this gate.
func RequireTwoFactorSatisfied(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id != nil && id.Method == MethodPendingTwoFactor {
			apierr.Respond(w, apierr.New(apierr.KindTwoFactorRequired, "two-factor verification required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
