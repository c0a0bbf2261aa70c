package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/mcpgate/internal/telemetry"
)

const channelPrefix = "mcpgate:realtime:room:"

func channelFor(room string) string {
	return channelPrefix + room
}

// Authorizer checks whether a user may subscribe to a room. Checked once at
// subscribe time — not reaffirmed on every event.
// tenantSlug is the caller's own tenant, taken from its authenticated
// identity rather than parsed out of room, so a room name can never be
// spoofed into a different tenant's schema.
type Authorizer func(ctx context.Context, tenantSlug string, userID uuid.UUID, room string) (bool, error)

// Hub owns the rooms and connections local to this process and fans events
// out across replicas over Redis pub/sub. Membership is recorded twice, in
// the room's subscriber set and in the connection's own joined set, and
// joining or leaving a room always updates both under the same lock, so the
// two can never disagree.
type Hub struct {
	rdb       *redis.Client
	logger    *slog.Logger
	authorize Authorizer

	mu    sync.Mutex
	rooms map[string]*room

	typingWindow time.Duration
}

type room struct {
	subscribers map[*Conn]bool
	typing      map[uuid.UUID]typingEntry
}

type typingEntry struct {
	displayName string
	expiresAt   time.Time
}

// NewHub creates a Hub. authorize is consulted on every Subscribe call.
// typingWindow bounds how long a typing indicator stays active without a
// refresh.
func NewHub(rdb *redis.Client, logger *slog.Logger, authorize Authorizer, typingWindow time.Duration) *Hub {
	return &Hub{
		rdb:          rdb,
		logger:       logger,
		authorize:    authorize,
		rooms:        make(map[string]*room),
		typingWindow: typingWindow,
	}
}

// Subscribe joins conn to roomID after checking authorize, and broadcasts
// the updated viewer count. It returns an error (not closing the
// connection) when the caller is not authorized.
func (h *Hub) Subscribe(ctx context.Context, conn *Conn, roomName string) error {
	ok, err := h.authorize(ctx, conn.tenantSlug, conn.userID, roomName)
	if err != nil {
		return fmt.Errorf("checking room authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("not authorized to subscribe to room %s", roomName)
	}

	h.mu.Lock()
	rm, exists := h.rooms[roomName]
	if !exists {
		rm = &room{subscribers: make(map[*Conn]bool), typing: make(map[uuid.UUID]typingEntry)}
		h.rooms[roomName] = rm
	}
	firstLocal := len(rm.subscribers) == 0
	rm.subscribers[conn] = true
	conn.addRoom(roomName)
	h.mu.Unlock()

	telemetry.RealtimeConnectionsActive.Inc()

	if firstLocal {
		go h.relay(roomName)
	}
	h.broadcastViewerCount(roomName)
	return nil
}

// Unsubscribe removes conn from roomName. If it was the process's last
// local subscriber, the room is dropped; the Redis relay for that room exits
// the next time it receives a message and finds the room gone.
func (h *Hub) Unsubscribe(roomName string, conn *Conn) {
	h.mu.Lock()
	rm, ok := h.rooms[roomName]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(rm.subscribers, conn)
	delete(rm.typing, conn.userID)
	empty := len(rm.subscribers) == 0
	if empty {
		delete(h.rooms, roomName)
	}
	conn.removeRoom(roomName)
	h.mu.Unlock()

	telemetry.RealtimeConnectionsActive.Dec()

	if !empty {
		h.broadcastViewerCount(roomName)
	}
}

// LeaveAll removes conn from every room it was subscribed to, used when the
// underlying connection closes.
func (h *Hub) LeaveAll(conn *Conn) {
	for _, roomName := range conn.rooms() {
		h.Unsubscribe(roomName, conn)
	}
}

// relay forwards Redis pub/sub traffic for roomName to this process's local
// subscribers. It exits on the first message that arrives after the room
// has no more local subscribers.
func (h *Hub) relay(roomName string) {
	ctx := context.Background()
	sub := h.rdb.Subscribe(ctx, channelFor(roomName))
	defer sub.Close()

	for msg := range sub.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			h.logger.Error("decoding realtime event", "room", roomName, "error", err)
			continue
		}

		h.mu.Lock()
		rm, ok := h.rooms[roomName]
		var conns []*Conn
		if ok {
			conns = make([]*Conn, 0, len(rm.subscribers))
			for c := range rm.subscribers {
				conns = append(conns, c)
			}
		}
		h.mu.Unlock()

		if !ok {
			return
		}
		for _, c := range conns {
			c.deliver(evt)
		}
	}
}

// Publish broadcasts evt to every subscriber of evt.Room across all
// replicas via Redis pub/sub.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling realtime event: %w", err)
	}
	if err := h.rdb.Publish(ctx, channelFor(evt.Room), raw).Err(); err != nil {
		return fmt.Errorf("publishing realtime event: %w", err)
	}
	return nil
}

// PublishMessage broadcasts a new ticket message to room's subscribers.
func (h *Hub) PublishMessage(ctx context.Context, room string, payload MessagePayload) error {
	evt, err := newEvent(room, EventMessage, payload)
	if err != nil {
		return err
	}
	return h.Publish(ctx, evt)
}

// ViewerCount reports the number of distinct users with at least one
// connection subscribed to room on this replica. It is derived from the
// subscriber set on every call — never tracked as a separate counter that
// could drift from the set it describes.
func (h *Hub) ViewerCount(roomName string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[roomName]
	if !ok {
		return 0, false
	}
	seen := make(map[uuid.UUID]bool, len(rm.subscribers))
	for c := range rm.subscribers {
		seen[c.userID] = true
	}
	return len(seen), true
}

// broadcastViewerCount publishes this replica's local viewer count for room.
func (h *Hub) broadcastViewerCount(roomName string) {
	count, ok := h.ViewerCount(roomName)
	if !ok {
		return
	}

	evt, err := newEvent(roomName, EventViewerCount, ViewerCountPayload{Count: count})
	if err != nil {
		h.logger.Error("building viewer count event", "error", err)
		return
	}
	if err := h.Publish(context.Background(), evt); err != nil {
		h.logger.Error("publishing viewer count", "error", err)
	}
}

// SetTyping records that userID is (or has stopped) typing in roomName and
// broadcasts the change. Expiry is enforced by SweepTyping, not by a timer
// per user, to avoid spawning a goroutine per keystroke.
func (h *Hub) SetTyping(ctx context.Context, roomName string, userID uuid.UUID, displayName string, isTyping bool) error {
	h.mu.Lock()
	rm, ok := h.rooms[roomName]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("not subscribed to room %s", roomName)
	}
	if isTyping {
		rm.typing[userID] = typingEntry{displayName: displayName, expiresAt: time.Now().Add(h.typingWindow)}
	} else {
		delete(rm.typing, userID)
	}
	h.mu.Unlock()

	typ := EventTypingStop
	if isTyping {
		typ = EventTypingStart
	}
	evt, err := newEvent(roomName, typ, TypingPayload{UserID: userID.String(), DisplayName: displayName})
	if err != nil {
		return err
	}
	return h.Publish(ctx, evt)
}

// SweepTyping expires stale typing indicators across all local rooms and
// broadcasts a typing_stop event for each one it clears. Callers run this on
// a ticker (see Run).
func (h *Hub) SweepTyping(ctx context.Context) {
	now := time.Now()

	type expired struct {
		room   string
		userID uuid.UUID
		name   string
	}
	var stale []expired

	h.mu.Lock()
	for roomName, rm := range h.rooms {
		for userID, entry := range rm.typing {
			if now.After(entry.expiresAt) {
				stale = append(stale, expired{room: roomName, userID: userID, name: entry.displayName})
				delete(rm.typing, userID)
			}
		}
	}
	h.mu.Unlock()

	for _, e := range stale {
		evt, err := newEvent(e.room, EventTypingStop, TypingPayload{UserID: e.userID.String(), DisplayName: e.name})
		if err != nil {
			continue
		}
		if err := h.Publish(ctx, evt); err != nil {
			h.logger.Error("publishing typing expiry", "room", e.room, "error", err)
		}
	}
}

// Run sweeps expired typing indicators on a ticker until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.typingWindow / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("realtime hub started", "typing_sweep_interval", interval)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub stopped")
			return nil
		case <-ticker.C:
			h.SweepTyping(ctx)
		}
	}
}
