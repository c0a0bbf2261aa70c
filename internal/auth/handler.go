package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/httpserver"
)

// pendingTwoFactorTTL bounds how long a password-verified-but-not-yet-2FA'd
// login stays valid before the caller must start over.
const pendingTwoFactorTTL = 5 * time.Minute

// trustedDeviceCookieName carries the raw trusted-device token between
// logins on the same browser.
const trustedDeviceCookieName = "mcpgate_device"

// AuthEvent is an authentication event destined for the tenant's auth audit
// stream. The auth package stays decoupled from the audit engine (which
// sits above it in the import graph); the wiring code adapts these into
// audit appends.
type AuthEvent struct {
	ActorID   *uuid.UUID
	Action    string
	EventType string
	Severity  string // info | warning | critical
	Details   map[string]any
}

// AuthEventSink receives AuthEvents for a tenant. Implementations must not
// block the request path.
type AuthEventSink interface {
	RecordAuthEvent(tenantSlug string, event AuthEvent)
}

// LockoutNotifier is told when an account crosses the failed-2FA threshold
// and locks, so operators hear about a possible credential-stuffing run
// while it is happening.
type LockoutNotifier interface {
	NotifyLockout(ctx context.Context, tenantSlug, email string, until time.Time)
}

// Handler exposes the login, two-factor, and session endpoints.
type Handler struct {
	sessionMgr *SessionManager
	creds      *CredentialStore
	rateLimit  *RateLimiter
	events     AuthEventSink   // may be nil
	alerts     LockoutNotifier // may be nil
	logger     *slog.Logger
	maxFails   int
	lockFor    time.Duration
}

// NewHandler creates an auth Handler. events and alerts may be nil.
func NewHandler(sessionMgr *SessionManager, creds *CredentialStore, rateLimit *RateLimiter, maxFails int, lockFor time.Duration, events AuthEventSink, alerts LockoutNotifier, logger *slog.Logger) *Handler {
	return &Handler{
		sessionMgr: sessionMgr,
		creds:      creds,
		rateLimit:  rateLimit,
		events:     events,
		alerts:     alerts,
		maxFails:   maxFails,
		lockFor:    lockFor,
		logger:     logger,
	}
}

func (h *Handler) recordAuthEvent(tenantSlug string, evt AuthEvent) {
	if h.events != nil {
		h.events.RecordAuthEvent(tenantSlug, evt)
	}
}

type loginRequest struct {
	TenantSlug string `json:"tenant_slug" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
}

type userInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type loginResponse struct {
	Token             string    `json:"token,omitempty"`
	User              *userInfo `json:"user,omitempty"`
	TwoFactorRequired bool      `json:"two_factor_required,omitempty"`
	PendingToken      string    `json:"pending_token,omitempty"`
}

// HandleLogin authenticates email/password and either issues a session or,
// for accounts with TOTP enabled, returns a short-lived pending token that
// must be redeemed via HandleVerifyTwoFactor.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ip := clientIP(r)
	if h.rateLimit != nil {
		result, err := h.rateLimit.Check(r.Context(), ip)
		if err != nil {
			h.logger.Error("login rate limit check failed", "error", err)
		} else if !result.Allowed {
			httpserver.RespondError(w, apierr.New(apierr.KindQuotaExceeded, "too many login attempts, try again later"))
			return
		}
	}

	cred, err := h.creds.GetByEmail(r.Context(), req.TenantSlug, req.Email)
	if err != nil {
		h.failLogin(r, ip)
		// Indistinguishable from a bad password: the response must not
		// disclose whether the email is registered.
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "invalid email or password"))
		return
	}

	if cred.Lockout.IsLocked(time.Now()) {
		httpserver.RespondError(w, apierr.New(apierr.KindLocked, "account is temporarily locked, try again later"))
		return
	}

	if !VerifyPassword(cred.PasswordHash, req.Password) {
		h.failLogin(r, ip)
		h.recordAuthEvent(req.TenantSlug, AuthEvent{
			ActorID:   &cred.UserID,
			Action:    "login_failed",
			EventType: "login_failed",
			Severity:  "warning",
			Details:   map[string]any{"email": cred.Email},
		})
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "invalid email or password"))
		return
	}

	if h.rateLimit != nil {
		_ = h.rateLimit.Reset(r.Context(), ip)
	}

	tenantRef := &TenantRef{Slug: req.TenantSlug}
	baseIdentity := &Identity{
		Subject:    cred.DisplayName,
		Email:      cred.Email,
		Role:       cred.Role,
		TenantSlug: tenantRef.Slug,
		UserID:     &cred.UserID,
		Method:     MethodSession,
	}

	if platformRole, err := h.creds.GetPlatformRole(r.Context(), cred.Email); err == nil {
		baseIdentity.PlatformRole = platformRole
	}

	if cred.TOTPEnabled && !h.deviceIsTrusted(r, req.TenantSlug, cred.UserID) {
		pendingIdentity := *baseIdentity
		pendingIdentity.Method = MethodPendingTwoFactor
		pending, err := h.sessionMgr.MintShortLived(&pendingIdentity, pendingTwoFactorTTL)
		if err != nil {
			h.logger.Error("minting pending 2fa token", "error", err)
			httpserver.RespondError(w, apierr.New(apierr.KindInternal, "failed to start two-factor verification"))
			return
		}
		h.recordAuthEvent(req.TenantSlug, AuthEvent{
			ActorID:   &cred.UserID,
			Action:    "two_factor_challenged",
			EventType: "two_factor_challenged",
			Severity:  "info",
			Details:   map[string]any{"email": cred.Email},
		})
		httpserver.Respond(w, http.StatusOK, loginResponse{TwoFactorRequired: true, PendingToken: pending})
		return
	}

	h.recordAuthEvent(req.TenantSlug, AuthEvent{
		ActorID:   &cred.UserID,
		Action:    "login_succeeded",
		EventType: "login_succeeded",
		Severity:  "info",
		Details:   map[string]any{"email": cred.Email},
	})

	if err := h.sessionMgr.IssueCookie(w, baseIdentity); err != nil {
		h.logger.Error("issuing session cookie", "error", err)
		httpserver.RespondError(w, apierr.New(apierr.KindInternal, "failed to issue session"))
		return
	}

	token, err := h.sessionMgr.IssueToken(baseIdentity)
	if err != nil {
		h.logger.Error("issuing session token", "error", err)
		httpserver.RespondError(w, apierr.New(apierr.KindInternal, "failed to issue session"))
		return
	}

	httpserver.Respond(w, http.StatusOK, loginResponse{
		Token: token,
		User: &userInfo{
			ID:          cred.UserID.String(),
			Email:       cred.Email,
			DisplayName: cred.DisplayName,
			Role:        cred.Role,
		},
	})
}

// deviceIsTrusted reports whether the request carries a still-valid
// trusted-device token for userID, letting the login skip the 2FA
// challenge.
func (h *Handler) deviceIsTrusted(r *http.Request, tenantSlug string, userID uuid.UUID) bool {
	raw := r.Header.Get("X-Trusted-Device-Token")
	if raw == "" {
		if cookie, err := r.Cookie(trustedDeviceCookieName); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		return false
	}

	trusted, err := h.creds.IsTrustedDevice(r.Context(), tenantSlug, userID, HashBackupCode(raw))
	if err != nil {
		h.logger.Error("checking trusted device", "error", err)
		return false
	}
	return trusted
}

func (h *Handler) failLogin(r *http.Request, ip string) {
	if h.rateLimit != nil {
		if err := h.rateLimit.Record(r.Context(), ip); err != nil {
			h.logger.Error("recording failed login attempt", "error", err)
		}
	}
}

type verifyTwoFactorRequest struct {
	PendingToken string `json:"pending_token" validate:"required"`
	Code         string `json:"code" validate:"required"`
	TrustDevice  bool   `json:"trust_device"`
}

// HandleVerifyTwoFactor redeems a pending token plus a TOTP or backup code
// for a full session.
func (h *Handler) HandleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyTwoFactorRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	pending, err := h.sessionMgr.ValidateToken(req.PendingToken)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "two-factor session expired, log in again"))
		return
	}

	cred, err := h.creds.GetByEmail(r.Context(), pending.TenantSlug, pending.Email)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "invalid two-factor verification"))
		return
	}

	if cred.Lockout.IsLocked(time.Now()) {
		httpserver.RespondError(w, apierr.New(apierr.KindLocked, "account is temporarily locked, try again later"))
		return
	}

	ok := ValidateTOTPCode(cred.TOTPSecret, req.Code)
	if !ok {
		consumed, cerr := h.creds.ConsumeBackupCode(r.Context(), pending.TenantSlug, cred.UserID, HashBackupCode(req.Code))
		if cerr == nil && consumed {
			ok = true
		}
	}

	if !ok {
		cred.Lockout = cred.Lockout.RecordFailure(time.Now(), h.maxFails, h.lockFor)
		_ = h.creds.UpdateLockoutState(r.Context(), pending.TenantSlug, cred.UserID, cred.Lockout)

		if cred.Lockout.IsLocked(time.Now()) {
			h.recordAuthEvent(pending.TenantSlug, AuthEvent{
				ActorID:   &cred.UserID,
				Action:    "two_factor_locked",
				EventType: "two_factor_locked",
				Severity:  "critical",
				Details:   map[string]any{"email": cred.Email, "locked_until": cred.Lockout.LockedUntil},
			})
			if h.alerts != nil {
				h.alerts.NotifyLockout(context.WithoutCancel(r.Context()), pending.TenantSlug, cred.Email, *cred.Lockout.LockedUntil)
			}
			httpserver.RespondError(w, apierr.New(apierr.KindLocked, "account is temporarily locked, try again later"))
			return
		}

		httpserver.RespondError(w, apierr.New(apierr.KindTwoFactorRequired, "invalid two-factor code"))
		return
	}

	_ = h.creds.UpdateLockoutState(r.Context(), pending.TenantSlug, cred.UserID, cred.Lockout.RecordSuccess())

	h.recordAuthEvent(pending.TenantSlug, AuthEvent{
		ActorID:   &cred.UserID,
		Action:    "two_factor_verified",
		EventType: "two_factor_verified",
		Severity:  "info",
		Details:   map[string]any{"email": cred.Email},
	})

	if req.TrustDevice {
		if rawToken, hash, terr := NewTrustedDeviceToken(); terr == nil {
			_ = h.creds.RecordTrustedDevice(r.Context(), pending.TenantSlug, cred.UserID, hash, "web", DefaultTrustedDeviceTTL)
			w.Header().Set("X-Trusted-Device-Token", rawToken)
			http.SetCookie(w, &http.Cookie{
				Name:     trustedDeviceCookieName,
				Value:    rawToken,
				Path:     "/",
				MaxAge:   int(DefaultTrustedDeviceTTL.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
	}

	full := &Identity{
		Subject:    cred.DisplayName,
		Email:      cred.Email,
		Role:       cred.Role,
		TenantSlug: pending.TenantSlug,
		UserID:     &cred.UserID,
		Method:     MethodSession,
	}

	if err := h.sessionMgr.IssueCookie(w, full); err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindInternal, "failed to issue session"))
		return
	}
	token, err := h.sessionMgr.IssueToken(full)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindInternal, "failed to issue session"))
		return
	}

	httpserver.Respond(w, http.StatusOK, loginResponse{
		Token: token,
		User: &userInfo{
			ID:          cred.UserID.String(),
			Email:       cred.Email,
			DisplayName: cred.DisplayName,
			Role:        cred.Role,
		},
	})
}

// HandleLogout clears the session cookie.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessionMgr.ClearCookie(w)
	httpserver.RespondNoContent(w)
}

// HandleMe returns the authenticated caller's identity.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "not authenticated"))
		return
	}
	httpserver.Respond(w, http.StatusOK, userInfo{
		ID:          identitySubjectID(id),
		Email:       id.Email,
		DisplayName: id.Subject,
		Role:        id.Role,
	})
}

func identitySubjectID(id *Identity) string {
	if id.UserID != nil {
		return id.UserID.String()
	}
	return uuid.Nil.String()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return r.RemoteAddr
}
