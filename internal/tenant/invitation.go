package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/audit"
)

// InvitationTTL is how long an invite token remains acceptable.
const InvitationTTL = 7 * 24 * time.Hour

// Invitation is a pending member invite.
type Invitation struct {
	ID         uuid.UUID
	Email      string
	Role       string
	Token      string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// InvitationStore manages the invitation lifecycle against a tenant-scoped
// connection.
type InvitationStore struct{}

// NewInvitationStore creates an InvitationStore.
func NewInvitationStore() *InvitationStore {
	return &InvitationStore{}
}

func newInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating invite token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create inserts a pending invitation for email with the given role.
func (s *InvitationStore) Create(ctx context.Context, db DB, email, role string) (*Invitation, error) {
	token, err := newInviteToken()
	if err != nil {
		return nil, err
	}

	inv := &Invitation{
		Email:     email,
		Role:      role,
		Token:     token,
		ExpiresAt: time.Now().Add(InvitationTTL),
	}

	err = db.QueryRow(ctx, `
		INSERT INTO invitations (email, role, token, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, inv.Email, inv.Role, inv.Token, inv.ExpiresAt).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating invitation: %w", err)
	}
	return inv, nil
}

// byToken looks up an invitation by token, whether or not it has been
// consumed.
func (s *InvitationStore) byToken(ctx context.Context, db DB, token string) (*Invitation, error) {
	var inv Invitation
	err := db.QueryRow(ctx, `
		SELECT id, email, role, token, expires_at, consumed_at, created_at
		FROM invitations
		WHERE token = $1
	`, token).Scan(&inv.ID, &inv.Email, &inv.Role, &inv.Token, &inv.ExpiresAt, &inv.ConsumedAt, &inv.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.KindNotFound, "invitation not found")
		}
		return nil, fmt.Errorf("looking up invitation: %w", err)
	}
	return &inv, nil
}

// Accept validates and consumes an invitation, then adds userID as a member
// with the invitation's role, inside a single transaction — accepting twice
// is idempotent in the sense that the second call sees consumed_at already
// set and returns KindConflict rather than creating a duplicate member.
func (s *InvitationStore) Accept(ctx context.Context, conn *pgxpool.Conn, token string, userID uuid.UUID) (*Member, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning invite-accept transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inv Invitation
	err = tx.QueryRow(ctx, `
		SELECT id, email, role, token, expires_at, consumed_at, created_at
		FROM invitations
		WHERE token = $1
		FOR UPDATE
	`, token).Scan(&inv.ID, &inv.Email, &inv.Role, &inv.Token, &inv.ExpiresAt, &inv.ConsumedAt, &inv.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.KindNotFound, "invitation not found")
		}
		return nil, fmt.Errorf("locking invitation: %w", err)
	}

	if inv.ConsumedAt != nil {
		return nil, apierr.New(apierr.KindConflict, "invitation already accepted")
	}
	if time.Now().After(inv.ExpiresAt) {
		return nil, apierr.New(apierr.KindConflict, "invitation expired")
	}

	var member Member
	err = tx.QueryRow(ctx, `
		INSERT INTO members (user_id, role, status)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, role, status, created_at
	`, userID, inv.Role, MemberStatusActive).Scan(&member.ID, &member.UserID, &member.Role, &member.Status, &member.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding member from invitation: %w", err)
	}
	member.Email = inv.Email

	if _, err := tx.Exec(ctx, `UPDATE invitations SET consumed_at = now() WHERE id = $1`, inv.ID); err != nil {
		return nil, fmt.Errorf("marking invitation consumed: %w", err)
	}

	if _, err := audit.Append(ctx, tx, audit.StreamAdmin, audit.AppendRequest{
		ActorID:    &userID,
		Action:     "invite_accepted",
		TargetType: "member",
		TargetID:   &member.ID,
		Severity:   audit.SeverityInfo,
		EventType:  "invite_accepted",
		Details:    map[string]any{"email": inv.Email, "role": inv.Role},
	}); err != nil {
		return nil, fmt.Errorf("recording invite-accepted audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing invite-accept transaction: %w", err)
	}
	return &member, nil
}
