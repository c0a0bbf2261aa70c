package support

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a single append-only entry in a ticket's message log.
type Message struct {
	ID        uuid.UUID
	TicketID  uuid.UUID
	AuthorID  uuid.UUID
	Body      string
	CreatedAt time.Time
}

// AddMessage appends a message to ticketID's log. Messages are never
// updated or deleted once written.
func (s *Store) AddMessage(ctx context.Context, conn *pgxpool.Conn, ticketID, authorID uuid.UUID, body string) (*Message, error) {
	m := &Message{TicketID: ticketID, AuthorID: authorID, Body: body}
	err := conn.QueryRow(ctx, `
		INSERT INTO support_messages (ticket_id, author_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, ticketID, authorID, body).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding message to ticket %s: %w", ticketID, err)
	}
	return m, nil
}

// ListMessages returns a ticket's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conn *pgxpool.Conn, ticketID uuid.UUID) ([]Message, error) {
	rows, err := conn.Query(ctx, `
		SELECT id, ticket_id, author_id, body, created_at
		FROM support_messages
		WHERE ticket_id = $1
		ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("listing messages for ticket %s: %w", ticketID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TicketID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
