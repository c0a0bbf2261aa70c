package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIKeyPrefix is prepended to every raw API key so keys are recognizable
// in logs and dashboards.
const APIKeyPrefix = "mcpg_key_"

// GenerateAPIKey returns a new high-entropy raw API key string. The raw
// value is shown to the caller exactly once; only its HMAC digest persists.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey computes a keyed HMAC-SHA256 digest of a raw API key using the
// deployment's pepper. This replaces a bare SHA-256 digest: an attacker who
// steals the database no longer has enough information to brute-force keys
// offline without also holding the pepper.
func HashAPIKey(pepper []byte, raw string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAPIKey reports whether raw hashes (under pepper) to the stored
// digest, using a constant-time comparison to avoid timing side channels.
func VerifyAPIKey(pepper []byte, raw, storedHash string) bool {
	computed := HashAPIKey(pepper, raw)
	return hmac.Equal([]byte(computed), []byte(storedHash))
}

// APIKeyScope enumerates what an API key is allowed to do, independent of
// the issuing user's own role — a key can be scoped narrower than its owner.
type APIKeyScope string

const (
	APIKeyScopeFull     APIKeyScope = "full"
	APIKeyScopeReadonly APIKeyScope = "readonly"
	APIKeyScopeMCPOnly  APIKeyScope = "mcp_only"
)

// APIKey is the persisted record for an issued API key. It does not hold the
// raw key: CreateAPIKey returns that separately, once, at issuance time, and
// it is never read back from storage.
type APIKey struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	UserID     uuid.UUID
	Name       string
	Prefix     string
	Hash       string
	Scope      APIKeyScope
	Revoked    bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}
