package mcpinstance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/audit"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/quota"
	"github.com/wisbric/mcpgate/internal/tenant"
	"github.com/wisbric/mcpgate/internal/tier"
)

// auditedMutation runs fn and its admin-stream audit append inside one
// transaction on the tenant-scoped connection.
func auditedMutation(ctx context.Context, conn *pgxpool.Conn, req audit.AppendRequest, fn func(tx pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := audit.Append(ctx, tx, audit.StreamAdmin, req); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return tx.Commit(ctx)
}

func actorID(ctx context.Context) *uuid.UUID {
	if id := auth.FromContext(ctx); id != nil {
		return id.UserID
	}
	return nil
}

// Handler exposes the MCP instance CRUD endpoints (the instance an
// open-session request resolves by id).
type Handler struct {
	store *Store
}

// NewHandler creates a Handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// Routes mounts the instance management endpoints. Mutating routes require
// at least admin, mirroring tenant.Handler's member-management gating.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/{instanceID}", h.handleGet)
	r.With(auth.RequireMinRole(auth.RoleAdmin)).Post("/", h.handleCreate)
	r.With(auth.RequireMinRole(auth.RoleAdmin)).Patch("/{instanceID}", h.handleUpdate)
	r.With(auth.RequireMinRole(auth.RoleAdmin)).Post("/{instanceID}/active", h.handleSetActive)
	r.With(auth.RequireMinRole(auth.RoleAdmin)).Delete("/{instanceID}", h.handleDelete)
	return r
}

type instanceResponse struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name"`
	UpstreamURL  string     `json:"upstream_url"`
	Active       bool       `json:"active"`
	Health       string     `json:"health"`
	LastProbedAt *time.Time `json:"last_probed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toResponse(i Instance) instanceResponse {
	return instanceResponse{
		ID:           i.ID.String(),
		DisplayName:  i.DisplayName,
		UpstreamURL:  i.UpstreamURL,
		Active:       i.Active,
		Health:       string(i.Health),
		LastProbedAt: i.LastProbedAt,
		CreatedAt:    i.CreatedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	instances, err := h.store.List(r.Context(), conn)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list mcp instances", err))
		return
	}

	out := make([]instanceResponse, 0, len(instances))
	for _, i := range instances {
		out = append(out, toResponse(i))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func parseInstanceID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "instanceID"))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	id, err := parseInstanceID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid instance id"))
		return
	}

	inst, err := h.store.Get(r.Context(), conn, id)
	if err != nil {
		httpserver.RespondError(w, instanceOpError(err))
		return
	}
	httpserver.Respond(w, http.StatusOK, toResponse(*inst))
}

type createInstanceRequest struct {
	DisplayName  string `json:"display_name" validate:"required,min=1,max=200"`
	UpstreamURL  string `json:"upstream_url" validate:"required,url"`
	UpstreamAuth string `json:"upstream_auth"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	info := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	var req createInstanceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	limit := tier.ForTier(tier.Tier(info.Tier)).MaxMCPInstances
	if err := quota.CheckResourceLimit(r.Context(), conn, "mcp_instances", limit); err != nil {
		httpserver.RespondError(w, err)
		return
	}

	var inst *Instance
	err := auditedMutation(r.Context(), conn, audit.AppendRequest{
		ActorID:    actorID(r.Context()),
		Action:     "mcp_instance_created",
		TargetType: "mcp_instance",
		Severity:   audit.SeverityInfo,
		EventType:  "mcp_instance_created",
		Details:    map[string]any{"display_name": req.DisplayName, "upstream_url": req.UpstreamURL},
	}, func(tx pgx.Tx) error {
		var cerr error
		inst, cerr = h.store.Create(r.Context(), tx, req.DisplayName, req.UpstreamURL, req.UpstreamAuth)
		return cerr
	})
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to create mcp instance", err))
		return
	}
	httpserver.Respond(w, http.StatusCreated, toResponse(*inst))
}

type updateInstanceRequest struct {
	DisplayName  string `json:"display_name" validate:"required,min=1,max=200"`
	UpstreamURL  string `json:"upstream_url" validate:"required,url"`
	UpstreamAuth string `json:"upstream_auth"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	id, err := parseInstanceID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid instance id"))
		return
	}

	var req updateInstanceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	err = auditedMutation(r.Context(), conn, audit.AppendRequest{
		ActorID:    actorID(r.Context()),
		Action:     "mcp_instance_updated",
		TargetType: "mcp_instance",
		TargetID:   &id,
		Severity:   audit.SeverityInfo,
		EventType:  "mcp_instance_updated",
		Details:    map[string]any{"display_name": req.DisplayName, "upstream_url": req.UpstreamURL},
	}, func(tx pgx.Tx) error {
		return h.store.Update(r.Context(), tx, id, req.DisplayName, req.UpstreamURL, req.UpstreamAuth)
	})
	if err != nil {
		httpserver.RespondError(w, instanceOpError(err))
		return
	}
	httpserver.RespondNoContent(w)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	id, err := parseInstanceID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid instance id"))
		return
	}

	var req setActiveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	err = auditedMutation(r.Context(), conn, audit.AppendRequest{
		ActorID:    actorID(r.Context()),
		Action:     "mcp_instance_set_active",
		TargetType: "mcp_instance",
		TargetID:   &id,
		Severity:   audit.SeverityInfo,
		EventType:  "mcp_instance_set_active",
		Details:    map[string]any{"active": req.Active},
	}, func(tx pgx.Tx) error {
		return h.store.SetActive(r.Context(), tx, id, req.Active)
	})
	if err != nil {
		httpserver.RespondError(w, instanceOpError(err))
		return
	}
	httpserver.RespondNoContent(w)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	id, err := parseInstanceID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid instance id"))
		return
	}

	err = auditedMutation(r.Context(), conn, audit.AppendRequest{
		ActorID:    actorID(r.Context()),
		Action:     "mcp_instance_deleted",
		TargetType: "mcp_instance",
		TargetID:   &id,
		Severity:   audit.SeverityWarning,
		EventType:  "mcp_instance_deleted",
	}, func(tx pgx.Tx) error {
		return h.store.Delete(r.Context(), tx, id)
	})
	if err != nil {
		httpserver.RespondError(w, instanceOpError(err))
		return
	}
	httpserver.RespondNoContent(w)
}

func instanceOpError(err error) error {
	if err == ErrNotFound {
		return apierr.New(apierr.KindNotFound, "mcp instance not found")
	}
	return apierr.Wrap(apierr.KindInternal, "mcp instance operation failed", err)
}
