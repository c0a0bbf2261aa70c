package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// testHub returns a Hub whose Redis client points at a closed port: local
// bookkeeping (room membership, typing state, viewer counts) works without
// a broker, and publishes degrade to logged errors.
func testHub(t *testing.T, authorize Authorizer) *Hub {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })
	if authorize == nil {
		authorize = func(context.Context, string, uuid.UUID, string) (bool, error) {
			return true, nil
		}
	}
	return NewHub(rdb, slog.Default(), authorize, 3*time.Second)
}

func testConn(userID uuid.UUID) *Conn {
	return &Conn{
		id:         uuid.New(),
		userID:     userID,
		name:       "tester",
		tenantSlug: "acme",
		outbox:     make(chan Event, sendBufferSize),
		logger:     slog.Default(),
		joined:     make(map[string]bool),
	}
}

func TestSubscribeRejectsUnauthorized(t *testing.T) {
	hub := testHub(t, func(context.Context, string, uuid.UUID, string) (bool, error) {
		return false, nil
	})
	conn := testConn(uuid.New())

	if err := hub.Subscribe(context.Background(), conn, "acme:ticket:x"); err == nil {
		t.Fatal("expected unauthorized subscribe to fail")
	}
	if len(conn.rooms()) != 0 {
		t.Fatal("unauthorized subscribe must not record membership")
	}
}

func TestSubscribeUnsubscribeBookkeeping(t *testing.T) {
	hub := testHub(t, nil)
	conn := testConn(uuid.New())
	room := "acme:ticket:1"

	if err := hub.Subscribe(context.Background(), conn, room); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := conn.rooms(); len(got) != 1 || got[0] != room {
		t.Fatalf("conn.rooms() = %v, want [%s]", got, room)
	}
	if count, ok := hub.ViewerCount(room); !ok || count != 1 {
		t.Fatalf("ViewerCount = %d, %v; want 1, true", count, ok)
	}

	hub.Unsubscribe(room, conn)
	if len(conn.rooms()) != 0 {
		t.Fatal("unsubscribe must clear the connection's membership")
	}
	if _, ok := hub.ViewerCount(room); ok {
		t.Fatal("room with no subscribers should be dropped")
	}
}

func TestViewerCountIsDistinctUsers(t *testing.T) {
	hub := testHub(t, nil)
	room := "acme:ticket:2"
	userA := uuid.New()

	// Two connections from the same user, one from another.
	for _, c := range []*Conn{testConn(userA), testConn(userA), testConn(uuid.New())} {
		if err := hub.Subscribe(context.Background(), c, room); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if count, _ := hub.ViewerCount(room); count != 2 {
		t.Fatalf("ViewerCount = %d, want 2 (distinct users, not connections)", count)
	}
}

func TestLeaveAllClearsEveryRoom(t *testing.T) {
	hub := testHub(t, nil)
	conn := testConn(uuid.New())

	for _, room := range []string{"acme:ticket:a", "acme:ticket:b"} {
		if err := hub.Subscribe(context.Background(), conn, room); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	hub.LeaveAll(conn)
	if len(conn.rooms()) != 0 {
		t.Fatalf("LeaveAll left memberships behind: %v", conn.rooms())
	}
}

func TestSweepTypingExpiresStaleIndicators(t *testing.T) {
	hub := testHub(t, nil)
	conn := testConn(uuid.New())
	room := "acme:ticket:3"

	if err := hub.Subscribe(context.Background(), conn, room); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := hub.SetTyping(context.Background(), room, conn.userID, "tester", true); err == nil {
		// Publish fails against the dead broker, but the local typing
		// state must still have been recorded before the publish.
		t.Log("publish unexpectedly succeeded")
	}

	hub.mu.Lock()
	rm := hub.rooms[room]
	entry, present := rm.typing[conn.userID]
	if present {
		entry.expiresAt = time.Now().Add(-time.Second)
		rm.typing[conn.userID] = entry
	}
	hub.mu.Unlock()
	if !present {
		t.Fatal("SetTyping did not record the typing entry")
	}

	hub.SweepTyping(context.Background())

	hub.mu.Lock()
	_, still := hub.rooms[room].typing[conn.userID]
	hub.mu.Unlock()
	if still {
		t.Fatal("SweepTyping left an expired typing indicator in place")
	}
}
