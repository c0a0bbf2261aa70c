package support

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusInProgress, StatusAwaitingResponse, true},
		{StatusAwaitingResponse, StatusInProgress, true},
		{StatusInProgress, StatusResolved, true},
		{StatusResolved, StatusClosed, true},

		{StatusOpen, StatusResolved, false},
		{StatusOpen, StatusClosed, false},
		{StatusAwaitingResponse, StatusResolved, false},
		{StatusResolved, StatusInProgress, false},
		{StatusClosed, StatusOpen, false},
		{StatusClosed, StatusInProgress, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestClosedIsTerminal(t *testing.T) {
	for _, to := range []Status{StatusOpen, StatusInProgress, StatusAwaitingResponse, StatusResolved, StatusClosed} {
		if CanTransition(StatusClosed, to) {
			t.Errorf("closed ticket must not transition to %s", to)
		}
	}
}

func TestTicketRoomRoundTrip(t *testing.T) {
	ticketID := uuid.New()
	room := roomForTicket("acme", ticketID)

	slug, parsed, ok := ParseTicketRoom(room)
	if !ok {
		t.Fatalf("ParseTicketRoom(%q) not ok", room)
	}
	if slug != "acme" || parsed != ticketID {
		t.Errorf("ParseTicketRoom(%q) = (%s, %s), want (acme, %s)", room, slug, parsed, ticketID)
	}
}

func TestParseTicketRoomRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"acme",
		"acme:ticket:",
		"acme:ticket:not-a-uuid",
		":ticket:" + uuid.NewString(),
		"no-infix-" + uuid.NewString(),
	}
	for _, room := range bad {
		if _, _, ok := ParseTicketRoom(room); ok {
			t.Errorf("ParseTicketRoom(%q) unexpectedly ok", room)
		}
	}
}
