package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestNewTOTPSecretAndValidate(t *testing.T) {
	key, err := NewTOTPSecret("user@example.com")
	if err != nil {
		t.Fatalf("NewTOTPSecret() error = %v", err)
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("generating test code: %v", err)
	}

	if !ValidateTOTPCode(key.Secret(), code) {
		t.Error("expected freshly generated code to validate")
	}

	if ValidateTOTPCode(key.Secret(), "000000") {
		t.Error("arbitrary code should not validate against a fresh secret (extremely unlikely collision)")
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	raw, hashed, err := GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}
	if len(raw) != backupCodeCount || len(hashed) != backupCodeCount {
		t.Fatalf("expected %d codes, got %d raw / %d hashed", backupCodeCount, len(raw), len(hashed))
	}

	seen := map[string]bool{}
	for i, code := range raw {
		if seen[code] {
			t.Errorf("duplicate backup code generated: %q", code)
		}
		seen[code] = true

		if HashBackupCode(code) != hashed[i] {
			t.Errorf("hash mismatch for code %d", i)
		}
	}
}

func TestCanonicalizeBackupCode(t *testing.T) {
	if CanonicalizeBackupCode("12345-67890") != "1234567890" {
		t.Error("expected hyphen to be stripped")
	}
	if CanonicalizeBackupCode(" 1234567890 ") != "1234567890" {
		t.Error("expected whitespace to be trimmed")
	}
	if HashBackupCode("12345-67890") != HashBackupCode("1234567890") {
		t.Error("hyphenated and unhyphenated forms must hash identically")
	}
}
