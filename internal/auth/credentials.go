package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Credentials is a tenant-scoped user's stored authentication material.
type Credentials struct {
	UserID         uuid.UUID
	Email          string
	DisplayName    string
	Role           string
	PasswordHash   string
	TOTPSecret     string
	TOTPEnabled    bool
	BackupCodeHash []string
	Lockout        LockoutState
}

// CredentialStore resolves and updates per-tenant login credentials. It is
// schema-scoped: every call operates against the caller's tenant schema,
// selected by switching search_path on a dedicated connection the way
// tenant.Middleware does for ordinary API requests.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore backed by pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func schemaName(tenantSlug string) string {
	return "tenant_" + tenantSlug
}

// GetByEmail resolves a user's credentials by email within the tenant schema.
func (s *CredentialStore) GetByEmail(ctx context.Context, tenantSlug, email string) (*Credentials, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return nil, fmt.Errorf("setting search_path: %w", err)
	}

	var c Credentials
	var totpSecret *string
	err = conn.QueryRow(ctx, `
		SELECT u.id, u.email, u.display_name, m.role,
		       c.password_hash, c.totp_secret, c.totp_enabled,
		       c.backup_code_hashes, c.lockout_failures, c.lockout_until
		FROM users u
		JOIN members m ON m.user_id = u.id
		JOIN user_credentials c ON c.user_id = u.id
		WHERE u.email = $1
	`, email).Scan(&c.UserID, &c.Email, &c.DisplayName, &c.Role,
		&c.PasswordHash, &totpSecret, &c.TOTPEnabled,
		&c.BackupCodeHash, &c.Lockout.Failures, &c.Lockout.LockedUntil)
	if err != nil {
		return nil, fmt.Errorf("looking up credentials for %q: %w", email, err)
	}
	if totpSecret != nil {
		c.TOTPSecret = *totpSecret
	}

	return &c, nil
}

// UpdateLockoutState persists the lockout counters after a failed or
// successful verification attempt.
func (s *CredentialStore) UpdateLockoutState(ctx context.Context, tenantSlug string, userID uuid.UUID, state LockoutState) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	_, err = conn.Exec(ctx, `
		UPDATE user_credentials
		SET lockout_failures = $1, lockout_until = $2
		WHERE user_id = $3
	`, state.Failures, state.LockedUntil, userID)
	if err != nil {
		return fmt.Errorf("updating lockout state: %w", err)
	}
	return nil
}

// ConsumeBackupCode atomically removes a matching backup code hash from the
// user's remaining set, reporting whether one was found. A used backup
// code must never validate twice.
func (s *CredentialStore) ConsumeBackupCode(ctx context.Context, tenantSlug string, userID uuid.UUID, codeHash string) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return false, fmt.Errorf("setting search_path: %w", err)
	}

	tag, err := conn.Exec(ctx, `
		UPDATE user_credentials
		SET backup_code_hashes = array_remove(backup_code_hashes, $1)
		WHERE user_id = $2 AND $1 = ANY(backup_code_hashes)
	`, codeHash, userID)
	if err != nil {
		return false, fmt.Errorf("consuming backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordTrustedDevice persists a new trusted-device token hash for userID.
func (s *CredentialStore) RecordTrustedDevice(ctx context.Context, tenantSlug string, userID uuid.UUID, tokenHash, label string, ttl time.Duration) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	_, err = conn.Exec(ctx, `
		INSERT INTO trusted_devices (id, user_id, token_hash, label, expires_at, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now() + $4, now())
	`, userID, tokenHash, label, ttl)
	if err != nil {
		return fmt.Errorf("recording trusted device: %w", err)
	}
	return nil
}

// IsTrustedDevice reports whether tokenHash matches a non-expired trusted
// device for userID.
func (s *CredentialStore) IsTrustedDevice(ctx context.Context, tenantSlug string, userID uuid.UUID, tokenHash string) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return false, fmt.Errorf("setting search_path: %w", err)
	}

	var exists bool
	err = conn.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM trusted_devices
			WHERE user_id = $1 AND token_hash = $2 AND expires_at > now()
		)
	`, userID, tokenHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking trusted device: %w", err)
	}
	return exists, nil
}

// ListTrustedDevices returns userID's non-expired trusted devices.
func (s *CredentialStore) ListTrustedDevices(ctx context.Context, tenantSlug string, userID uuid.UUID) ([]TrustedDevice, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return nil, fmt.Errorf("setting search_path: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT id, user_id, token_hash, label, expires_at, created_at
		FROM trusted_devices
		WHERE user_id = $1 AND expires_at > now()
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing trusted devices: %w", err)
	}
	defer rows.Close()

	var out []TrustedDevice
	for rows.Next() {
		var d TrustedDevice
		if err := rows.Scan(&d.ID, &d.UserID, &d.TokenHash, &d.Label, &d.ExpiresAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning trusted device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RevokeTrustedDevice deletes a single trusted device belonging to userID.
func (s *CredentialStore) RevokeTrustedDevice(ctx context.Context, tenantSlug string, userID, deviceID uuid.UUID) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	tag, err := conn.Exec(ctx, `DELETE FROM trusted_devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("revoking trusted device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trusted device %s not found", deviceID)
	}
	return nil
}

// BeginTOTPEnrollment stores an unconfirmed TOTP secret for userID. The
// secret only takes effect once ConfirmTOTPEnrollment verifies a code
// against it; until then totp_enabled stays false so login is unaffected.
func (s *CredentialStore) BeginTOTPEnrollment(ctx context.Context, tenantSlug string, userID uuid.UUID, secret string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	_, err = conn.Exec(ctx, `
		UPDATE user_credentials SET totp_secret = $1, totp_enabled = false WHERE user_id = $2
	`, secret, userID)
	if err != nil {
		return fmt.Errorf("storing pending totp secret: %w", err)
	}
	return nil
}

// ConfirmTOTPEnrollment marks TOTP enabled and persists backup code hashes.
// Called only after the caller has validated a code against the pending
// secret with ValidateTOTPCode.
func (s *CredentialStore) ConfirmTOTPEnrollment(ctx context.Context, tenantSlug string, userID uuid.UUID, backupCodeHashes []string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	_, err = conn.Exec(ctx, `
		UPDATE user_credentials
		SET totp_enabled = true, totp_enabled_at = now(), backup_code_hashes = $1
		WHERE user_id = $2
	`, backupCodeHashes, userID)
	if err != nil {
		return fmt.Errorf("confirming totp enrollment: %w", err)
	}
	return nil
}

// DisableTOTP clears the TOTP secret and backup codes and turns two-factor
// enforcement off for userID.
func (s *CredentialStore) DisableTOTP(ctx context.Context, tenantSlug string, userID uuid.UUID) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	_, err = conn.Exec(ctx, `
		UPDATE user_credentials
		SET totp_enabled = false, totp_enabled_at = NULL, totp_secret = NULL, backup_code_hashes = '{}'
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("disabling totp: %w", err)
	}
	return nil
}

// GetPlatformRole returns the cross-tenant operator role held by email, or
// an error if none is recorded. Platform roles live in the public schema:
// they are orthogonal to any per-tenant membership.
func (s *CredentialStore) GetPlatformRole(ctx context.Context, email string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM public.platform_admins WHERE email = $1
	`, email).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("looking up platform role: %w", err)
	}
	return role, nil
}

// CreateOwner creates the first user, credentials, and owner membership row
// for a freshly provisioned tenant schema, all in one transaction.
func (s *CredentialStore) CreateOwner(ctx context.Context, tenantSlug, email, displayName, passwordHash string) (uuid.UUID, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schemaName(tenantSlug)); err != nil {
		return uuid.Nil, fmt.Errorf("setting search_path: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning owner-creation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO users (email, display_name) VALUES ($1, $2) RETURNING id
	`, email, displayName).Scan(&userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting owner user: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_credentials (user_id, password_hash, totp_enabled) VALUES ($1, $2, false)
	`, userID, passwordHash); err != nil {
		return uuid.Nil, fmt.Errorf("inserting owner credentials: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO members (user_id, role, status) VALUES ($1, 'owner', 'active')
	`, userID); err != nil {
		return uuid.Nil, fmt.Errorf("inserting owner membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing owner-creation transaction: %w", err)
	}
	return userID, nil
}
