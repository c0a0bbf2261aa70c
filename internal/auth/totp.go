package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPIssuer names the provisioning-URI issuer shown in authenticator apps.
const TOTPIssuer = "mcpgate"

// backupCodeCount is how many single-use backup codes are generated when a
// user enrolls in two-factor authentication.
const backupCodeCount = 10

// NewTOTPSecret generates a new TOTP enrollment for the given account
// (typically the user's email) and returns the provisioning key; the secret
// to persist is key.Secret(). Neither this function nor the credential
// store encrypts that secret: it is stored as given.
func NewTOTPSecret(accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	return key, nil
}

// ValidateTOTPCode checks a 6-digit code against the account's secret,
// allowing the one-period clock skew the otp library validates by default.
func ValidateTOTPCode(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateBackupCodes returns backupCodeCount freshly generated codes in
// their hyphenated display form ("XXXXX-XXXXX"), along with their hashes for
// storage (unsalted SHA-256 of the hyphen-stripped form, see HashBackupCode).
// Raw codes are returned exactly once; only the hashes persist.
func GenerateBackupCodes() (raw []string, hashed []string, err error) {
	raw = make([]string, backupCodeCount)
	hashed = make([]string, backupCodeCount)

	for i := range raw {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		raw[i] = code
		hashed[i] = HashBackupCode(code)
	}
	return raw, hashed, nil
}

// randomBackupCode returns a 10-digit numeric code, grouped for display as
// "XXXXX-XXXXX" but canonicalized (hyphens stripped) before hashing.
func randomBackupCode() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, 10)
	rnd := make([]byte, 10)
	if _, err := rand.Read(rnd); err != nil {
		return "", fmt.Errorf("generating backup code: %w", err)
	}
	for i, b := range rnd {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf[:5]) + "-" + string(buf[5:]), nil
}

// CanonicalizeBackupCode strips formatting so that "12345-67890" and
// "1234567890" compare equal.
func CanonicalizeBackupCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), "-", "")
}

// HashBackupCode hashes a backup code in its canonical form for storage
// and lookup. Backup codes are single-use and high-entropy, so a plain
// SHA-256 digest suffices; only long-lived API keys get the HMAC pepper.
func HashBackupCode(code string) string {
	canon := CanonicalizeBackupCode(code)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}
