// Package mcpsession implements the MCP session router: it upgrades a
// client's transport connection, opens a matching connection to the
// tenant's chosen upstream MCP server, and pipes frames between them in
// arrival order per direction while enforcing backpressure and idle
// timeouts.
package mcpsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wisbric/mcpgate/internal/telemetry"
)

// ErrUpstreamUnavailable is returned by Open when the upstream MCP server
// cannot be reached at session-open time. An upstream that drops after the
// session is established ends the session like any other closure, and Open
// returns nil.
var ErrUpstreamUnavailable = errors.New("mcpsession: upstream unavailable")

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is one open client<->upstream pipe. Frame ordering within a
// session is single-reader/single-writer per direction; across
// sessions the router is fully parallel, enforced by each Session owning
// its own goroutine pair rather than sharing a worker pool.
type Session struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	TenantSlug string
	InstanceID uuid.UUID

	client   *websocket.Conn
	upstream *websocket.Conn

	cancel context.CancelFunc
	openedAt time.Time

	mu          sync.Mutex
	lastFrameAt time.Time
	closed      bool
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastFrameAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrameAt
}

// Summary is the read-only view returned by List.
type Summary struct {
	ID          uuid.UUID
	InstanceID  uuid.UUID
	OpenedAt    time.Time
	LastFrameAt time.Time
}

// Router owns every open Session, addressed through a map-of-pointers arena
// mutated only through Router's own
// methods under mu, so a session can never be observed half-registered.
type Router struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	dialer *websocket.Dialer
	logger *slog.Logger

	idleTimeout  time.Duration
	heartbeat    time.Duration
	sendQueueMax int
	dialTimeout  time.Duration
}

// Config carries the router's tunables, all sourced from internal/config
// per the "expose as configuration" guidance.
type Config struct {
	IdleTimeout  time.Duration
	Heartbeat    time.Duration
	SendQueueMax int
	DialTimeout  time.Duration
}

// NewRouter creates a Router.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	return &Router{
		sessions:     make(map[uuid.UUID]*Session),
		dialer:       &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger:       logger,
		idleTimeout:  cfg.IdleTimeout,
		heartbeat:    cfg.Heartbeat,
		sendQueueMax: cfg.SendQueueMax,
		dialTimeout:  cfg.DialTimeout,
	}
}

// UpstreamTarget describes the tenant-resolved upstream to dial.
type UpstreamTarget struct {
	InstanceID uuid.UUID
	URL        string
	AuthHeader string // e.g. "Bearer <token>"; empty if the upstream needs none
}

// Open upgrades w/r to a client transport connection, dials the upstream,
// and pipes frames between them until either side closes or the session
// goes idle. It blocks until the session ends. Callers authenticate and
// resolve the tenant and target instance before calling Open; Open itself
// only knows how to wire the pipe.
func (r *Router) Open(ctx context.Context, w http.ResponseWriter, req *http.Request, tenantID uuid.UUID, tenantSlug string, target UpstreamTarget) error {
	clientConn, err := clientUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return fmt.Errorf("upgrading client connection: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, r.dialTimeout)
	defer dialCancel()

	header := http.Header{}
	if target.AuthHeader != "" {
		header.Set("Authorization", target.AuthHeader)
	}

	upstreamConn, _, err := r.dialer.DialContext(dialCtx, target.URL, header)
	if err != nil {
		telemetry.MCPUpstreamErrorsTotal.WithLabelValues("dial").Inc()
		clientConn.Close()
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:          uuid.New(),
		TenantID:    tenantID,
		TenantSlug:  tenantSlug,
		InstanceID:  target.InstanceID,
		client:      clientConn,
		upstream:    upstreamConn,
		cancel:      cancel,
		openedAt:    time.Now(),
		lastFrameAt: time.Now(),
	}

	r.register(sess)
	telemetry.MCPSessionsOpenTotal.WithLabelValues(tenantSlug).Inc()
	telemetry.MCPSessionsActive.Inc()

	var wg sync.WaitGroup
	wg.Add(2)
	go r.pump(sessionCtx, &wg, sess, sess.client, sess.upstream, "client->upstream")
	go r.pump(sessionCtx, &wg, sess, sess.upstream, sess.client, "upstream->client")

	go r.heartbeatLoop(sessionCtx, sess)

	wg.Wait()
	r.closeSession(sess)
	return nil
}

func (r *Router) register(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
}

// frame is one queued protocol message between a pump's reader and writer.
type frame struct {
	msgType int
	data    []byte
}

// pump relays frames from src to dst in arrival order through a bounded
// queue of sendQueueMax frames. When the queue is full — dst is draining
// slower than src is producing — the reader blocks on the queue send and
// stops reading src, so a slow destination stalls the source rather than
// ever dropping a frame.
func (r *Router) pump(ctx context.Context, wg *sync.WaitGroup, sess *Session, src, dst *websocket.Conn, direction string) {
	defer wg.Done()
	defer sess.cancel()

	go func() {
		<-ctx.Done()
		src.Close()
	}()

	frames := make(chan frame, r.sendQueueMax)
	writeDone := make(chan struct{})

	go func() {
		defer close(writeDone)
		defer sess.cancel()
		for f := range frames {
			if err := dst.WriteMessage(f.msgType, f.data); err != nil {
				r.logger.Warn("mcp session pump write error", "direction", direction, "session_id", sess.ID, "error", err)
				telemetry.MCPUpstreamErrorsTotal.WithLabelValues("write").Inc()
				return
			}
		}
	}()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				r.logger.Warn("mcp session pump read error", "direction", direction, "session_id", sess.ID, "error", err)
				telemetry.MCPUpstreamErrorsTotal.WithLabelValues("read").Inc()
			}
			close(frames)
			<-writeDone
			return
		}

		sess.touch()

		select {
		case frames <- frame{msgType: msgType, data: data}:
		case <-writeDone:
			return
		}
	}
}

// heartbeatLoop sends periodic pings on both legs of an idle session and
// closes the session once it has exceeded idleTimeout with no frames in
// either direction.
func (r *Router) heartbeatLoop(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(sess.idleSince()) > r.idleTimeout {
				r.logger.Info("closing idle mcp session", "session_id", sess.ID)
				sess.cancel()
				return
			}
			_ = sess.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			_ = sess.upstream.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func (r *Router) closeSession(sess *Session) {
	r.mu.Lock()
	_, existed := r.sessions[sess.ID]
	delete(r.sessions, sess.ID)
	r.mu.Unlock()

	sess.mu.Lock()
	alreadyClosed := sess.closed
	sess.closed = true
	sess.mu.Unlock()
	if alreadyClosed {
		return
	}

	sess.client.Close()
	sess.upstream.Close()

	if existed {
		telemetry.MCPSessionsActive.Dec()
	}
}

// Close closes a single session by id, e.g. from an operator-facing
// close-session endpoint.
func (r *Router) Close(id uuid.UUID) bool {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sess.cancel()
	return true
}

// List returns a summary of every open session for a tenant.
func (r *Router) List(tenantID uuid.UUID) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0)
	for _, sess := range r.sessions {
		if sess.TenantID != tenantID {
			continue
		}
		out = append(out, Summary{
			ID:          sess.ID,
			InstanceID:  sess.InstanceID,
			OpenedAt:    sess.openedAt,
			LastFrameAt: sess.idleSince(),
		})
	}
	return out
}

// CloseAll cancels every open session, used on graceful shutdown so no
// goroutine outlives the process's context.
func (r *Router) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.cancel()
	}
}
