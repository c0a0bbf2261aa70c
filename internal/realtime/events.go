// Package realtime implements the support-ticket collaboration room bus: a
// single persistent connection per session that can join zero or more
// ticket rooms, fanned out across replicas over Redis pub/sub.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names the kinds of frames the wire contract carries.
type EventType string

const (
	EventConnected   EventType = "connected"
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"
	EventMessage     EventType = "message"
	EventViewerCount EventType = "viewer_count"
	EventPing        EventType = "ping"
	EventPong        EventType = "pong"
	EventError       EventType = "error"
)

// Event is the envelope for every frame exchanged over a room connection.
type Event struct {
	Type      EventType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessagePayload is the payload of an EventMessage frame.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
	AuthorID  string `json:"author_id"`
}

// TypingPayload is the payload of an EventTypingStart/EventTypingStop frame.
type TypingPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ViewerCountPayload is the payload of an EventViewerCount frame.
type ViewerCountPayload struct {
	Count int `json:"count"`
}

// ErrorPayload is the payload of an EventError frame sent back for a
// malformed client frame; the connection is retained, not closed.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

func newEvent(room string, typ EventType, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Room: room, Payload: raw, Timestamp: time.Now()}, nil
}
