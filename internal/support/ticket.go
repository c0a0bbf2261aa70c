// Package support implements the append-only support-ticket message log and
// its status state machine, emitting a room-bus event for each new message
// and each status change.
package support

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
)

// Status is a ticket's position in its lifecycle.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolved         Status = "resolved"
	StatusClosed           Status = "closed"
)

// validTransitions encodes the state machine:
// open -> in_progress -> awaiting_response <-> in_progress -> resolved -> closed.
var validTransitions = map[Status][]Status{
	StatusOpen:             {StatusInProgress},
	StatusInProgress:       {StatusAwaitingResponse, StatusResolved},
	StatusAwaitingResponse: {StatusInProgress},
	StatusResolved:         {StatusClosed},
	StatusClosed:           {},
}

// CanTransition reports whether moving a ticket from `from` to `to` is a
// legal single step in the state machine.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Ticket is a support-ticket row.
type Ticket struct {
	ID        uuid.UUID
	Number    int64
	CreatorID uuid.UUID
	Subject   string
	Category  string
	Priority  string
	Status    Status
	CreatedAt time.Time
}

// Store implements ticket CRUD and status transitions against a
// tenant-scoped connection.
type Store struct{}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{}
}

// Create inserts a new ticket in the open state. Ticket numbers are assigned
// by a per-tenant sequence so they read as small, stable, human-facing IDs
// rather than UUIDs.
func (s *Store) Create(ctx context.Context, conn *pgxpool.Conn, creatorID uuid.UUID, subject, category, priority string) (*Ticket, error) {
	t := &Ticket{CreatorID: creatorID, Subject: subject, Category: category, Priority: priority, Status: StatusOpen}
	err := conn.QueryRow(ctx, `
		INSERT INTO support_tickets (number, creator_id, subject, category, priority, status)
		VALUES (nextval('support_ticket_number_seq'), $1, $2, $3, $4, $5)
		RETURNING id, number, created_at
	`, creatorID, subject, category, priority, string(StatusOpen)).Scan(&t.ID, &t.Number, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}
	return t, nil
}

// Get loads a single ticket by id.
func (s *Store) Get(ctx context.Context, conn *pgxpool.Conn, ticketID uuid.UUID) (*Ticket, error) {
	var t Ticket
	var status string
	err := conn.QueryRow(ctx, `
		SELECT id, number, creator_id, subject, category, priority, status, created_at
		FROM support_tickets WHERE id = $1
	`, ticketID).Scan(&t.ID, &t.Number, &t.CreatorID, &t.Subject, &t.Category, &t.Priority, &status, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.KindNotFound, "ticket not found")
		}
		return nil, fmt.Errorf("looking up ticket %s: %w", ticketID, err)
	}
	t.Status = Status(status)
	return &t, nil
}

// List returns tickets ordered newest-first.
func (s *Store) List(ctx context.Context, conn *pgxpool.Conn, offset, limit int) ([]Ticket, error) {
	rows, err := conn.Query(ctx, `
		SELECT id, number, creator_id, subject, category, priority, status, created_at
		FROM support_tickets
		ORDER BY created_at DESC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		var status string
		if err := rows.Scan(&t.ID, &t.Number, &t.CreatorID, &t.Subject, &t.Category, &t.Priority, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ticket row: %w", err)
		}
		t.Status = Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ErrIllegalTransition is returned when a requested status change is not a
// legal step in the ticket state machine.
var ErrIllegalTransition = fmt.Errorf("support: illegal ticket status transition")

// Transition moves a ticket to newStatus, validating the state machine.
func (s *Store) Transition(ctx context.Context, conn *pgxpool.Conn, ticketID uuid.UUID, newStatus Status) (*Ticket, error) {
	t, err := s.Get(ctx, conn, ticketID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, newStatus) {
		return nil, ErrIllegalTransition
	}

	if _, err := conn.Exec(ctx, `UPDATE support_tickets SET status = $1 WHERE id = $2`, string(newStatus), ticketID); err != nil {
		return nil, fmt.Errorf("updating ticket status: %w", err)
	}
	t.Status = newStatus
	return t, nil
}
