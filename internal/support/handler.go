package support

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/realtime"
	"github.com/wisbric/mcpgate/internal/tenant"
)

// roomBus is the subset of realtime.Hub the support handler needs, so it can
// be exercised without a live Redis connection.
type roomBus interface {
	PublishMessage(ctx context.Context, room string, payload realtime.MessagePayload) error
	Publish(ctx context.Context, evt realtime.Event) error
}

// Handler exposes the ticket and message endpoints.
type Handler struct {
	store *Store
	bus   roomBus
}

// NewHandler creates a Handler.
func NewHandler(store *Store, bus roomBus) *Handler {
	return &Handler{store: store, bus: bus}
}

// Routes mounts the support-ticket endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{ticketID}", h.handleGet)
	r.Get("/{ticketID}/messages", h.handleListMessages)
	r.Post("/{ticketID}/messages", h.handleAddMessage)
	r.Post("/{ticketID}/status", h.handleTransition)
	return r
}

// roomForTicket names the room a ticket's messages and status changes are
// published to. The tenant slug is embedded so realtime.Hub's authorizer can
// resolve which schema to check membership against without trusting
// anything the client sent.
func roomForTicket(tenantSlug string, ticketID uuid.UUID) string {
	return tenantSlug + ":ticket:" + ticketID.String()
}

// ParseTicketRoom reverses roomForTicket, for use by the realtime
// authorizer wired up in internal/app. ok is false for any
// room name that isn't one this package produced.
func ParseTicketRoom(room string) (tenantSlug string, ticketID uuid.UUID, ok bool) {
	const infix = ":ticket:"
	idx := strings.Index(room, infix)
	if idx < 0 {
		return "", uuid.Nil, false
	}
	slug := room[:idx]
	rest := room[idx+len(infix):]
	id, err := uuid.Parse(rest)
	if err != nil || slug == "" {
		return "", uuid.Nil, false
	}
	return slug, id, true
}

type createTicketRequest struct {
	Subject  string `json:"subject" validate:"required,min=3,max=300"`
	Category string `json:"category" validate:"required"`
	Priority string `json:"priority" validate:"required,oneof=low normal high urgent"`
}

type ticketResponse struct {
	ID        string    `json:"id"`
	Number    int64     `json:"number"`
	CreatorID string    `json:"creator_id"`
	Subject   string    `json:"subject"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func ticketToResponse(t Ticket) ticketResponse {
	return ticketResponse{
		ID:        t.ID.String(),
		Number:    t.Number,
		CreatorID: t.CreatorID.String(),
		Subject:   t.Subject,
		Category:  t.Category,
		Priority:  t.Priority,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	var req createTicketRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.store.Create(r.Context(), conn, *id.UserID, req.Subject, req.Category, req.Priority)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to create ticket", err))
		return
	}
	httpserver.Respond(w, http.StatusCreated, ticketToResponse(*t))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	page, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, err.Error()))
		return
	}

	tickets, err := h.store.List(r.Context(), conn, page.Offset, page.PageSize)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list tickets", err))
		return
	}

	out := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketToResponse(t))
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(out, page, len(out)))
}

func parseTicketID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "ticketID"))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	ticketID, err := parseTicketID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid ticket id"))
		return
	}

	t, err := h.store.Get(r.Context(), conn, ticketID)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ticketToResponse(*t))
}

type messageResponse struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func messageToResponse(m Message) messageResponse {
	return messageResponse{
		ID:        m.ID.String(),
		TicketID:  m.TicketID.String(),
		AuthorID:  m.AuthorID.String(),
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())
	ticketID, err := parseTicketID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid ticket id"))
		return
	}

	messages, err := h.store.ListMessages(r.Context(), conn, ticketID)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list messages", err))
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageToResponse(m))
	}
	httpserver.Respond(w, http.StatusOK, out)
}

type addMessageRequest struct {
	Body string `json:"body" validate:"required,min=1"`
}

// handleAddMessage appends a reply. the creator may reply
// at any state except closed; any other member may reply at any non-closed
// state too — only *status transitions* are role-gated to above member.
func (h *Handler) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())
	ticketID, err := parseTicketID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid ticket id"))
		return
	}

	var req addMessageRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.store.Get(r.Context(), conn, ticketID)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}
	if t.Status == StatusClosed {
		httpserver.RespondError(w, apierr.New(apierr.KindConflict, "ticket is closed"))
		return
	}

	m, err := h.store.AddMessage(r.Context(), conn, ticketID, *id.UserID, req.Body)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to add message", err))
		return
	}

	if err := h.bus.PublishMessage(r.Context(), roomForTicket(id.TenantSlug, ticketID), realtime.MessagePayload{
		MessageID: m.ID.String(),
		Body:      m.Body,
		AuthorID:  m.AuthorID.String(),
	}); err != nil {
		// Room-bus events are best-effort: the message is
		// already durably written, so a publish failure is discarded
		// rather than surfaced as a request failure.
		_ = err
	}

	httpserver.Respond(w, http.StatusCreated, messageToResponse(*m))
}

type transitionRequest struct {
	Status string `json:"status" validate:"required,oneof=in_progress awaiting_response resolved closed"`
}

// handleTransition moves a ticket's status. Only roles above member may move
// a ticket beyond open — enforced by this explicit role check (the route
// carries no RBAC middleware), since the state machine itself has no notion
// of caller identity.
func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())
	ticketID, err := parseTicketID(r)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid ticket id"))
		return
	}

	var req transitionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if id.Role == auth.RoleMember || id.Role == auth.RoleViewer {
		httpserver.RespondError(w, apierr.New(apierr.KindForbidden, "only admins and owners may change ticket status"))
		return
	}

	t, err := h.store.Transition(r.Context(), conn, ticketID, Status(req.Status))
	if err != nil {
		if err == ErrIllegalTransition {
			httpserver.RespondError(w, apierr.New(apierr.KindConflict, "illegal ticket status transition"))
			return
		}
		httpserver.RespondError(w, err)
		return
	}

	statusEvt, _ := json.Marshal(map[string]string{"status": string(t.Status)})
	_ = h.bus.Publish(r.Context(), realtime.Event{
		Type:    "status_changed",
		Room:    roomForTicket(id.TenantSlug, ticketID),
		Payload: statusEvt,
	})

	httpserver.Respond(w, http.StatusOK, ticketToResponse(*t))
}
