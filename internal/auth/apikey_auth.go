package auth

import (
	"context"
	"fmt"
	"time"
)

// APIKeyAuthenticator validates a raw API key presented via X-API-Key.
// It recomputes the peppered HMAC digest of the presented key and looks the
// key up in storage by that digest; no scan over all keys is made.
type APIKeyAuthenticator struct {
	Store  Storage
	Pepper []byte
}

// Authenticate validates raw against storage and returns the lookup result.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, raw string) (*APIKeyLookup, error) {
	hash := HashAPIKey(a.Pepper, raw)

	result, err := a.Store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if result.Revoked {
		return nil, fmt.Errorf("api key has been revoked")
	}

	if result.ExpiresAt != nil && time.Now().After(*result.ExpiresAt) {
		return nil, fmt.Errorf("api key has expired")
	}

	if !IsValidRole(result.Role) {
		result.Role = RoleMember
	}

	go func() {
		_ = a.Store.UpdateAPIKeyLastUsed(context.Background(), result.APIKeyID)
	}()

	return result, nil
}
