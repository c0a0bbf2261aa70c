package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testSigningKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestNewSessionManagerRejectsShortKey(t *testing.T) {
	if _, err := NewSessionManager([]byte("too-short"), time.Hour); err == nil {
		t.Error("expected error for signing key under 32 bytes")
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewSessionManager(testSigningKey(), time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}

	userID := uuid.New()
	tenantID := uuid.New()
	id := &Identity{
		Subject:    "user-1",
		Email:      "user@example.com",
		Role:       RoleAdmin,
		TenantSlug: "acme",
		TenantID:   tenantID,
		UserID:     &userID,
		Method:     MethodSession,
	}

	token, err := mgr.IssueToken(id)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	got, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	if got.Email != id.Email || got.Role != id.Role || got.TenantSlug != id.TenantSlug {
		t.Errorf("round-tripped identity mismatch: %+v", got)
	}
	if got.UserID == nil || *got.UserID != userID {
		t.Errorf("expected UserID %s, got %v", userID, got.UserID)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr, err := NewSessionManager(testSigningKey(), time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}

	id := &Identity{Subject: "user-1", TenantID: uuid.New()}
	token, err := mgr.MintShortLived(id, -time.Minute)
	if err != nil {
		t.Fatalf("MintShortLived() error = %v", err)
	}

	if _, err := mgr.ValidateToken(token); err == nil {
		t.Error("expected validation to fail for an already-expired token")
	}
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	mgr1, _ := NewSessionManager(testSigningKey(), time.Hour)
	mgr2, _ := NewSessionManager([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)

	id := &Identity{Subject: "user-1", TenantID: uuid.New()}
	token, err := mgr1.IssueToken(id)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := mgr2.ValidateToken(token); err == nil {
		t.Error("expected validation to fail under a different signing key")
	}
}

func TestIssueAndClearCookie(t *testing.T) {
	mgr, _ := NewSessionManager(testSigningKey(), time.Hour)
	id := &Identity{Subject: "user-1", TenantID: uuid.New()}

	w := httptest.NewRecorder()
	if err := mgr.IssueCookie(w, id); err != nil {
		t.Fatalf("IssueCookie() error = %v", err)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName {
		t.Fatalf("expected one session cookie, got %+v", cookies)
	}
	if !cookies[0].HttpOnly || !cookies[0].Secure {
		t.Error("session cookie must be HttpOnly and Secure")
	}

	w2 := httptest.NewRecorder()
	mgr.ClearCookie(w2)
	cleared := w2.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Error("ClearCookie should set a negative MaxAge")
	}
}
