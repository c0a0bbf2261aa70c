package tenant

import (
	"net/http"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/auth"
)

// RequireActiveForWrites lets suspended members keep reading but rejects
// every mutating request from them. Suspension does not revoke sessions or
// API keys; this guard is the single place the read-only state is enforced,
// so it must sit after tenant.Middleware on every mutating route.
func RequireActiveForWrites(members *MembershipStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			id := auth.FromContext(r.Context())
			conn := ConnFromContext(r.Context())
			if id == nil || id.UserID == nil || conn == nil {
				next.ServeHTTP(w, r)
				return
			}

			// No membership row (platform operators, dev identities) means
			// there is no suspension state to enforce; role gates decide.
			m, err := members.GetByUserID(r.Context(), conn, *id.UserID)
			if err == nil && m.Status == MemberStatusSuspended {
				apierr.Respond(w, apierr.New(apierr.KindForbidden, "account is suspended: read-only access"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
