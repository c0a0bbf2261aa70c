package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Member statuses: suspended members have read-only
// capability everywhere.
const (
	MemberStatusActive    = "active"
	MemberStatusSuspended = "suspended"
)

// Member is a tenant-scoped membership row.
type Member struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Email       string
	DisplayName string
	Role        string
	Status      string
	CreatedAt   time.Time
}

// MembershipStore implements the member-lifecycle operations against a
// tenant-scoped connection (search_path already set by
// tenant.Middleware — every method here takes that connection directly
// rather than re-deriving it, the same convention tenant.Middleware itself
// establishes).
type MembershipStore struct{}

// NewMembershipStore creates a MembershipStore.
func NewMembershipStore() *MembershipStore {
	return &MembershipStore{}
}

// List returns all members of the tenant, most recently added last.
func (s *MembershipStore) List(ctx context.Context, db DB) ([]Member, error) {
	rows, err := db.Query(ctx, `
		SELECT m.id, m.user_id, u.email, u.display_name, m.role, m.status, m.created_at
		FROM members m
		JOIN users u ON u.id = m.user_id
		ORDER BY m.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the current member count, for tier-limit checks.
func (s *MembershipStore) Count(ctx context.Context, db DB) (int, error) {
	var n int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM members`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting members: %w", err)
	}
	return n, nil
}

// Get returns a single member by id.
func (s *MembershipStore) Get(ctx context.Context, db DB, memberID uuid.UUID) (*Member, error) {
	var m Member
	err := db.QueryRow(ctx, `
		SELECT m.id, m.user_id, u.email, u.display_name, m.role, m.status, m.created_at
		FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.id = $1
	`, memberID).Scan(&m.ID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("looking up member %s: %w", memberID, err)
	}
	return &m, nil
}

// GetByUserID returns the caller's own membership row, for authorization
// checks that start from an authenticated user ID rather than a member ID
// (the realtime room authorizer, in particular).
func (s *MembershipStore) GetByUserID(ctx context.Context, db DB, userID uuid.UUID) (*Member, error) {
	var m Member
	err := db.QueryRow(ctx, `
		SELECT m.id, m.user_id, u.email, u.display_name, m.role, m.status, m.created_at
		FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.user_id = $1
	`, userID).Scan(&m.ID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("looking up membership for user %s: %w", userID, err)
	}
	return &m, nil
}

// ErrSoleOwner is returned when an operation would leave the org without an
// owner, or demote/remove the only one.
var ErrSoleOwner = fmt.Errorf("tenant: cannot change role or remove the organization's sole owner")

// ChangeRole updates a member's role. Forbidden on the sole owner: an org
// must always have exactly one owner.
func (s *MembershipStore) ChangeRole(ctx context.Context, db DB, memberID uuid.UUID, newRole string) error {
	current, err := s.Get(ctx, db, memberID)
	if err != nil {
		return err
	}

	if current.Role == "owner" && newRole != "owner" {
		count, err := s.countOwners(ctx, db)
		if err != nil {
			return err
		}
		if count <= 1 {
			return ErrSoleOwner
		}
	}

	_, err = db.Exec(ctx, `UPDATE members SET role = $1 WHERE id = $2`, newRole, memberID)
	if err != nil {
		return fmt.Errorf("changing member role: %w", err)
	}
	return nil
}

func (s *MembershipStore) countOwners(ctx context.Context, db DB) (int, error) {
	var n int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM members WHERE role = 'owner'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting owners: %w", err)
	}
	return n, nil
}

// Remove deletes a member. The sole owner cannot be removed.
func (s *MembershipStore) Remove(ctx context.Context, db DB, memberID uuid.UUID) error {
	current, err := s.Get(ctx, db, memberID)
	if err != nil {
		return err
	}
	if current.Role == "owner" {
		return ErrSoleOwner
	}

	_, err = db.Exec(ctx, `DELETE FROM members WHERE id = $1`, memberID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return nil
}

// Suspend sets a member's status to suspended. suspension
// does not revoke already-issued sessions or API keys — the read-only guard
// is enforced at the endpoint layer on every mutation, not by invalidating
// credentials here.
func (s *MembershipStore) Suspend(ctx context.Context, db DB, memberID uuid.UUID) error {
	_, err := db.Exec(ctx, `UPDATE members SET status = $1 WHERE id = $2`, MemberStatusSuspended, memberID)
	if err != nil {
		return fmt.Errorf("suspending member: %w", err)
	}
	return nil
}

// Restore reactivates a suspended member, subject to the caller having
// already checked the current tier's member limit.
func (s *MembershipStore) Restore(ctx context.Context, db DB, memberID uuid.UUID) error {
	_, err := db.Exec(ctx, `UPDATE members SET status = $1 WHERE id = $2`, MemberStatusActive, memberID)
	if err != nil {
		return fmt.Errorf("restoring member: %w", err)
	}
	return nil
}

// ApplyDowngradeSuspensions implements the downgrade behavior:
// "members are set to suspended in creation-order-newest-first until the
// count complies". limit is the new tier's member cap; Unbounded (-1)
// callers should not invoke this at all.
func (s *MembershipStore) ApplyDowngradeSuspensions(ctx context.Context, db DB, limit int) (suspended []uuid.UUID, err error) {
	rows, err := db.Query(ctx, `
		SELECT id FROM members
		WHERE status = $1
		ORDER BY created_at DESC
	`, MemberStatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active members for downgrade: %w", err)
	}

	var activeIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning active member id: %w", err)
		}
		activeIDs = append(activeIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(activeIDs) <= limit {
		return nil, nil
	}

	toSuspend := activeIDs[:len(activeIDs)-limit]
	for _, id := range toSuspend {
		if err := s.Suspend(ctx, db, id); err != nil {
			return suspended, err
		}
		suspended = append(suspended, id)
	}
	return suspended, nil
}
