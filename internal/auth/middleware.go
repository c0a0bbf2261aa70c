package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/mcpgate/internal/apierr"
)

// Middleware authenticates the caller via session cookie, session bearer
// token, session token in the query string, API key, or (outside
// production) a dev-mode tenant header, storing the resulting Identity in
// the request context.
//
// Authentication precedence:
//  0. mcpgate_session cookie       →  session JWT, with silent refresh
//  1. Authorization: Bearer <jwt>  →  session JWT (HMAC)
//  2. ?token=<jwt> query parameter →  session JWT (websocket clients)
//  3. X-API-Key: <raw-key>         →  API key hash lookup
//  4. X-Tenant-Slug: <slug>        →  development-only fallback, no real auth
//
// If none succeed, the request is rejected with 401.
func Middleware(sessionMgr *SessionManager, apikeyAuth *APIKeyAuthenticator, store Storage, devMode bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if sessionMgr != nil {
				if cookie, err := r.Cookie(sessionCookieName); err == nil {
					id, err := sessionMgr.ValidateToken(cookie.Value)
					if err == nil {
						normalizeSessionMethod(id)
						if sessionMgr.ShouldRefreshToken(cookie.Value) {
							_ = sessionMgr.IssueCookie(w, id)
						}
						identity = id
						logger.Debug("authenticated via session cookie",
							"sub", id.Subject, "tenant_slug", id.TenantSlug)
					} else {
						sessionMgr.ClearCookie(w)
					}
				}
			}

			if identity == nil {
				if authHeader := r.Header.Get("Authorization"); hasBearerPrefix(authHeader) {
					rawToken := strings.TrimSpace(stripBearerPrefix(authHeader))
					if sessionMgr != nil {
						if id, err := sessionMgr.ValidateToken(rawToken); err == nil {
							normalizeSessionMethod(id)
							identity = id
							logger.Debug("authenticated via bearer session token",
								"sub", id.Subject, "tenant_slug", id.TenantSlug)
						}
					}
					if identity == nil {
						respondUnauthorized(w, "invalid or expired bearer token")
						return
					}
				}
			}

			// Browser WebSocket clients cannot set an Authorization header
			// on the upgrade request, so the realtime endpoints accept a
			// short-lived session token in the query string instead.
			if identity == nil && sessionMgr != nil {
				if rawToken := r.URL.Query().Get("token"); rawToken != "" {
					id, err := sessionMgr.ValidateToken(rawToken)
					if err != nil {
						respondUnauthorized(w, "invalid or expired token")
						return
					}
					normalizeSessionMethod(id)
					identity = id
					logger.Debug("authenticated via query token",
						"sub", id.Subject, "tenant_slug", id.TenantSlug)
				}
			}

			if identity == nil {
				if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
					result, err := apikeyAuth.Authenticate(r.Context(), rawKey)
					if err != nil {
						logger.Warn("api key authentication failed", "error", err)
						respondUnauthorized(w, "invalid API key")
						return
					}

					t, err := store.GetTenant(r.Context(), result.TenantID)
					if err != nil {
						logger.Error("tenant lookup for api key failed", "tenant_id", result.TenantID, "error", err)
						respondUnauthorized(w, "tenant not found")
						return
					}

					identity = &Identity{
						Subject:    "apikey:" + result.KeyPrefix,
						Role:       result.Role,
						TenantSlug: t.Slug,
						TenantID:   t.ID,
						UserID:     &result.UserID,
						APIKeyID:   &result.APIKeyID,
						Method:     MethodAPIKey,
					}
					logger.Debug("authenticated via api key",
						"key_prefix", result.KeyPrefix, "tenant_slug", t.Slug)
				}
			}

			if identity == nil && devMode {
				if slug := r.Header.Get("X-Tenant-Slug"); slug != "" {
					devID := uuid.Nil
					identity = &Identity{
						Subject:    "dev:anonymous",
						Email:      "dev@localhost",
						Role:       RoleOwner,
						TenantSlug: slug,
						TenantID:   devID,
						UserID:     &devID,
						Method:     MethodDev,
					}

					if store != nil {
						if userID, email, displayName, err := store.GetDevAdminUser(r.Context(), slug); err == nil {
							identity.UserID = &userID
							identity.Email = email
							identity.Subject = displayName
							if t, err := store.GetTenantBySlug(r.Context(), slug); err == nil {
								identity.TenantID = t.ID
							}
						}
					}
					logger.Debug("dev-mode authentication", "tenant_slug", slug)
				}
			}

			if identity == nil {
				respondUnauthorized(w, "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// normalizeSessionMethod marks a token-authenticated identity as a session,
// except for pending-2FA tokens: that marker must survive validation so
// RequireTwoFactorSatisfied can keep a password-only login away from
// protected endpoints.
func normalizeSessionMethod(id *Identity) {
	if id.Method != MethodPendingTwoFactor {
		id.Method = MethodSession
	}
}

func hasBearerPrefix(h string) bool {
	return strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ")
}

func stripBearerPrefix(h string) string {
	h = strings.TrimPrefix(h, "Bearer ")
	return strings.TrimPrefix(h, "bearer ")
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	apierr.Respond(w, apierr.New(apierr.KindUnauthenticated, message))
}
