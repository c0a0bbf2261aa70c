package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const sessionCookieName = "mcpgate_session"

// refreshWindow is how close to expiry a token must be before
// ShouldRefreshToken recommends issuing a new one.
const refreshWindow = 2 * time.Hour

// SessionClaims is the JWT payload minted for an authenticated session.
type SessionClaims struct {
	jwt.Claims
	Email      string `json:"email"`
	Role       string `json:"role"`
	TenantSlug string `json:"tenant_slug"`
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	Method     string `json:"method"`
	Platform   string `json:"platform_role,omitempty"`
}

// SessionManager issues and validates signed session tokens and the cookies
// that carry them.
type SessionManager struct {
	signingKey []byte
	maxAge     time.Duration
}

// NewSessionManager creates a SessionManager. signingKey must be at least 32
// bytes; a shorter key makes HS256 forgeable and is rejected outright.
func NewSessionManager(signingKey []byte, maxAge time.Duration) (*SessionManager, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("session signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	return &SessionManager{signingKey: signingKey, maxAge: maxAge}, nil
}

// GenerateDevSecret returns a random 32-byte key suitable for local
// development when no session secret is configured. It must never be used
// for a deployment that handles real tenant data.
func GenerateDevSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("auth: failed to generate dev secret: " + err.Error())
	}
	return buf
}

func (m *SessionManager) signer() (jose.Signer, error) {
	return jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: m.signingKey}, nil)
}

// IssueToken mints a signed JWT carrying the given identity, valid for the
// manager's configured max age.
func (m *SessionManager) IssueToken(id *Identity) (string, error) {
	return m.issueTokenWithTTL(id, m.maxAge)
}

// MintShortLived issues a JWT with a custom TTL, for uses such as
// authenticating an MCP session WebSocket upgrade where a full session
// cookie would be the wrong shape.
func (m *SessionManager) MintShortLived(id *Identity, ttl time.Duration) (string, error) {
	return m.issueTokenWithTTL(id, ttl)
}

func (m *SessionManager) issueTokenWithTTL(id *Identity, ttl time.Duration) (string, error) {
	signer, err := m.signer()
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	userID := ""
	if id.UserID != nil {
		userID = id.UserID.String()
	}

	claims := SessionClaims{
		Claims: jwt.Claims{
			Subject:  id.Subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
			ID:       uuid.New().String(),
		},
		Email:      id.Email,
		Role:       id.Role,
		TenantSlug: id.TenantSlug,
		TenantID:   id.TenantID.String(),
		UserID:     userID,
		Method:     id.Method,
		Platform:   id.PlatformRole,
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// ValidateToken parses and validates a signed token, returning the identity
// it carries.
func (m *SessionManager) ValidateToken(raw string) (*Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var claims SessionClaims
	if err := tok.Claims(m.signingKey, &claims); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, fmt.Errorf("token expired or not yet valid: %w", err)
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id in token: %w", err)
	}

	id := &Identity{
		Subject:      claims.Subject,
		Email:        claims.Email,
		Role:         claims.Role,
		TenantSlug:   claims.TenantSlug,
		TenantID:     tenantID,
		Method:       claims.Method,
		PlatformRole: claims.Platform,
	}

	if claims.UserID != "" {
		uid, err := uuid.Parse(claims.UserID)
		if err != nil {
			return nil, fmt.Errorf("invalid user id in token: %w", err)
		}
		id.UserID = &uid
	}

	return id, nil
}

// IssueCookie sets a signed session cookie on the response.
func (m *SessionManager) IssueCookie(w http.ResponseWriter, id *Identity) error {
	token, err := m.IssueToken(id)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// ValidateCookie reads and validates the session cookie from a request.
func (m *SessionManager) ValidateCookie(r *http.Request) (*Identity, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, fmt.Errorf("no session cookie: %w", err)
	}
	return m.ValidateToken(c.Value)
}

// ClearCookie removes the session cookie.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ShouldRefreshToken reports whether a token is close enough to expiry that
// the caller should issue a replacement.
func (m *SessionManager) ShouldRefreshToken(raw string) bool {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return false
	}
	var claims SessionClaims
	if err := tok.Claims(m.signingKey, &claims); err != nil {
		return false
	}
	if claims.Expiry == nil {
		return false
	}
	return time.Until(claims.Expiry.Time()) < refreshWindow
}

// RefreshCookie re-issues the session cookie for id if the current token is
// close to expiry.
func (m *SessionManager) RefreshCookie(w http.ResponseWriter, r *http.Request, id *Identity) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return
	}
	if !m.ShouldRefreshToken(c.Value) {
		return
	}
	_ = m.IssueCookie(w, id)
}

// randomToken returns a URL-safe base64 string from n bytes of crypto/rand.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
