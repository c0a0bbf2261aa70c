package auth

import "testing"

func TestHashAPIKeyDeterministic(t *testing.T) {
	pepper := []byte("test-pepper-0123456789abcdef0123")
	raw := "mcpg_key_abc123"

	h1 := HashAPIKey(pepper, raw)
	h2 := HashAPIKey(pepper, raw)
	if h1 != h2 {
		t.Error("HashAPIKey should be deterministic for the same pepper and key")
	}
}

func TestHashAPIKeyPepperSensitive(t *testing.T) {
	raw := "mcpg_key_abc123"
	h1 := HashAPIKey([]byte("pepper-one-0123456789abcdef012345"), raw)
	h2 := HashAPIKey([]byte("pepper-two-0123456789abcdef012345"), raw)
	if h1 == h2 {
		t.Error("different peppers must produce different digests for the same key")
	}
}

func TestVerifyAPIKey(t *testing.T) {
	pepper := []byte("test-pepper-0123456789abcdef0123")
	raw, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	stored := HashAPIKey(pepper, raw)

	if !VerifyAPIKey(pepper, raw, stored) {
		t.Error("VerifyAPIKey should succeed for the matching raw key")
	}
	if VerifyAPIKey(pepper, "mcpg_key_wrong", stored) {
		t.Error("VerifyAPIKey should fail for a non-matching raw key")
	}
}

func TestGenerateAPIKeyHasPrefix(t *testing.T) {
	raw, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if len(raw) <= len(APIKeyPrefix) {
		t.Fatalf("generated key too short: %q", raw)
	}
	if raw[:len(APIKeyPrefix)] != APIKeyPrefix {
		t.Errorf("generated key missing prefix: %q", raw)
	}
}
