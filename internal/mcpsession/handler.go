package mcpsession

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/audit"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/mcpinstance"
	"github.com/wisbric/mcpgate/internal/tenant"
)

// Handler exposes the MCP session endpoints: open-session (transport
// upgrade), list-sessions, close-session. It sits
// behind the same auth.Middleware + tenant.Middleware chain as every other
// /api/v1 route for tenant resolution, but — unlike every other handler —
// it does NOT reuse tenant.ConnFromContext for the instance lookup: that
// connection is released by tenant.Middleware's own deferred Release once
// this handler returns, and Open blocks for the whole session's lifetime,
// so holding a pooled connection that long would starve the pool under
// concurrent sessions. It acquires its own short-lived connection instead,
// following the rule that database lookups happen once at
// session-open time and are never held across the subsequent frame I/O.
type Handler struct {
	router    *Router
	instances *mcpinstance.Store
	pool      *pgxpool.Pool
	audits    *audit.AsyncWriter // may be nil
}

// NewHandler creates a Handler. audits may be nil; session open/close events
// are telemetry-grade and go through the best-effort async writer rather
// than a per-frame transaction.
func NewHandler(router *Router, instances *mcpinstance.Store, pool *pgxpool.Pool, audits *audit.AsyncWriter) *Handler {
	return &Handler{router: router, instances: instances, pool: pool, audits: audits}
}

// Routes mounts the session endpoints. The open-session route is a
// long-lived websocket upgrade, not a normal request/response cycle.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/sse", h.handleOpen)
	r.Get("/sessions", h.handleList)
	r.Delete("/sessions/{sessionID}", h.handleClose)
	return r
}

// handleOpen resolves the instance named by the "instance" query parameter,
// upgrades the connection, and blocks for the lifetime of the session.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	info := tenant.FromContext(r.Context())

	instanceID, err := uuid.Parse(r.URL.Query().Get("instance"))
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "instance query parameter must be a valid id"))
		return
	}

	inst, err := h.lookupInstance(r.Context(), info.Schema, instanceID)
	if err != nil {
		if errors.Is(err, mcpinstance.ErrNotFound) {
			httpserver.RespondError(w, apierr.New(apierr.KindNotFound, "mcp instance not found"))
			return
		}
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to resolve mcp instance", err))
		return
	}
	if !inst.Active {
		httpserver.RespondError(w, apierr.New(apierr.KindUpstreamUnavailable, "mcp instance is not active"))
		return
	}

	target := UpstreamTarget{InstanceID: inst.ID, URL: inst.UpstreamURL}
	if inst.UpstreamAuth != "" {
		target.AuthHeader = "Bearer " + inst.UpstreamAuth
	}

	h.logSessionEvent(r, info, inst.ID, "mcp_session_opened")
	defer h.logSessionEvent(r, info, inst.ID, "mcp_session_closed")

	if err := h.router.Open(r.Context(), w, r, info.ID, info.Slug, target); err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			httpserver.RespondError(w, apierr.Wrap(apierr.KindUpstreamUnavailable, "upstream mcp server unavailable", err))
			return
		}
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "mcp session failed", err))
	}
}

func (h *Handler) logSessionEvent(r *http.Request, info *tenant.Info, instanceID uuid.UUID, action string) {
	if h.audits == nil {
		return
	}
	var actorID *uuid.UUID
	if id := auth.FromContext(r.Context()); id != nil {
		actorID = id.UserID
	}
	h.audits.Log(info.Schema, audit.StreamAdmin, audit.AppendRequest{
		ActorID:    actorID,
		Action:     action,
		TargetType: "mcp_instance",
		TargetID:   &instanceID,
		Severity:   audit.SeverityInfo,
		EventType:  action,
		Details:    map[string]any{"instance_id": instanceID.String()},
	})
}

// lookupInstance acquires a connection, scopes it to the tenant's schema,
// fetches the instance, and releases the connection before returning —
// never holding it across the session's subsequent frame I/O.
func (h *Handler) lookupInstance(ctx context.Context, schema string, id uuid.UUID) (*mcpinstance.Instance, error) {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schema+", public"); err != nil {
		return nil, err
	}

	return h.instances.Get(ctx, conn, id)
}

type sessionResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	info := tenant.FromContext(r.Context())
	sessions := h.router.List(info.ID)

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{ID: s.ID.String(), InstanceID: s.InstanceID.String()})
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid session id"))
		return
	}

	if !h.router.Close(id) {
		httpserver.RespondError(w, apierr.New(apierr.KindNotFound, "session not found"))
		return
	}
	httpserver.RespondNoContent(w)
}
