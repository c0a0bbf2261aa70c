package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/httpserver"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one client's persistent connection, addressable by the hub
// independent of which rooms it currently belongs to. The room-membership
// set lives on the connection itself (guarded by mu) and mirrors the room's
// own subscriber set, always updated together under Hub.mu so neither can
// see a connection in one but not the other.
type Conn struct {
	ws         *websocket.Conn
	id         uuid.UUID
	userID     uuid.UUID
	name       string
	tenantSlug string
	outbox     chan Event
	logger     *slog.Logger

	mu     sync.Mutex
	joined map[string]bool
}

func (c *Conn) addRoom(room string) {
	c.mu.Lock()
	c.joined[room] = true
	c.mu.Unlock()
}

func (c *Conn) removeRoom(room string) {
	c.mu.Lock()
	delete(c.joined, room)
	c.mu.Unlock()
}

func (c *Conn) rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for r := range c.joined {
		out = append(out, r)
	}
	return out
}

func (c *Conn) deliver(evt Event) {
	select {
	case c.outbox <- evt:
	default:
		c.logger.Warn("dropping realtime event for slow connection", "conn_id", c.id, "user_id", c.userID)
	}
}

// Handler upgrades HTTP connections into room-bus websocket sessions.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a realtime Handler.
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeConn upgrades the request to a websocket. The connection starts in
// no rooms; the client subscribes explicitly.
func (h *Handler) ServeConn(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := &Conn{
		ws:         ws,
		id:         uuid.New(),
		userID:     *id.UserID,
		name:       id.Subject,
		tenantSlug: id.TenantSlug,
		outbox:     make(chan Event, sendBufferSize),
		logger:     h.logger,
		joined:     make(map[string]bool),
	}

	go conn.writePump()
	conn.deliver(Event{Type: EventConnected, Timestamp: timeNow()})
	conn.readPump(h.hub)
}

func timeNow() time.Time { return time.Now() }

// inboundFrame is what a client may send: subscribe/unsubscribe carry a
// room; typing_start/typing_stop carry a room; ping carries nothing.
type inboundFrame struct {
	Type EventType `json:"type"`
	Room string    `json:"room"`
}

// readPump processes inbound frames until the connection closes, then
// leaves every room it had joined.
func (c *Conn) readPump(hub *Hub) {
	defer func() {
		hub.LeaveAll(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("realtime connection closed unexpectedly", "conn_id", c.id, "error", err)
			}
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			c.deliver(errorEvent("malformed frame"))
			continue
		}

		switch in.Type {
		case EventSubscribe:
			if in.Room == "" {
				c.deliver(errorEvent("subscribe requires a room"))
				continue
			}
			if err := hub.Subscribe(ctx, c, in.Room); err != nil {
				c.deliver(errorEvent(err.Error()))
			}
		case EventUnsubscribe:
			hub.Unsubscribe(in.Room, c)
		case EventTypingStart, EventTypingStop:
			if in.Room == "" {
				c.deliver(errorEvent("typing event requires a room"))
				continue
			}
			if err := hub.SetTyping(ctx, in.Room, c.userID, c.name, in.Type == EventTypingStart); err != nil {
				c.deliver(errorEvent(err.Error()))
			}
		case EventPing:
			c.deliver(Event{Type: EventPong, Timestamp: timeNow()})
		default:
			c.deliver(errorEvent("unrecognized frame type"))
		}
	}
}

func errorEvent(reason string) Event {
	raw, _ := json.Marshal(ErrorPayload{Reason: reason})
	return Event{Type: EventError, Payload: raw, Timestamp: timeNow()}
}

// writePump relays outbound events and periodic pings to the client.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case evt, ok := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Routes mounts the single room-bus websocket endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ServeConn)
	return r
}
