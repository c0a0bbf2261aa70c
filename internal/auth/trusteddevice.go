package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTrustedDeviceTTL matches the policy default: once a user clears 2FA
// on a device, that device skips 2FA for 30 days.
const DefaultTrustedDeviceTTL = 30 * 24 * time.Hour

// TrustedDevice is a persisted record letting a device bypass TOTP
// verification until ExpiresAt.
type TrustedDevice struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	Label     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewTrustedDeviceToken returns a new high-entropy device token and the
// SHA-256 digest stored in its place.
func NewTrustedDeviceToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating trusted device token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	hash = HashBackupCode(raw) // canonical SHA-256 digest, no hyphen stripping needed
	return raw, hash, nil
}

// IsExpired reports whether the trusted device record is no longer valid.
func (d *TrustedDevice) IsExpired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}
