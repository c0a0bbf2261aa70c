package audit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/httpserver"
)

// ConnSource resolves the caller's tenant-scoped connection from the
// request context. Injected by the wiring code so this package stays below
// tenant resolution in the import graph.
type ConnSource func(ctx context.Context) Querier

// Handler exposes read-only access to the two audit streams. There is
// deliberately no write endpoint: every audit row is produced as a side
// effect of the mutation it describes, never directly by a client.
type Handler struct {
	conns ConnSource
}

// NewHandler creates an audit Handler.
func NewHandler(conns ConnSource) *Handler {
	return &Handler{conns: conns}
}

// Routes mounts the admin and auth stream read endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/admin", h.handleList(StreamAdmin))
	r.Get("/auth", h.handleList(StreamAuth))
	r.Get("/admin/verify", h.handleVerify(StreamAdmin))
	r.Get("/auth/verify", h.handleVerify(StreamAuth))
	return r
}

func (h *Handler) handleList(stream Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := httpserver.ParseOffsetParams(r)
		if err != nil {
			httpserver.RespondError(w, apierr.New(apierr.KindValidation, err.Error()))
			return
		}

		conn := h.conns(r.Context())
		if conn == nil {
			httpserver.RespondError(w, apierr.New(apierr.KindInternal, "no tenant connection in context"))
			return
		}
		rows, err := List(r.Context(), conn, stream, params.Offset, params.PageSize)
		if err != nil {
			httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list audit log", err))
			return
		}

		httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(rows, params, len(rows)))
	}
}

// handleVerify recomputes the hash chain over the requested page and
// reports whether it is intact. A verification failure is reported as
// KindIntegrity — the read path degrades (returns the
// finding) rather than panicking, which is reserved for write-path breaks.
func (h *Handler) handleVerify(stream Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := httpserver.ParseOffsetParams(r)
		if err != nil {
			httpserver.RespondError(w, apierr.New(apierr.KindValidation, err.Error()))
			return
		}

		conn := h.conns(r.Context())
		if conn == nil {
			httpserver.RespondError(w, apierr.New(apierr.KindInternal, "no tenant connection in context"))
			return
		}
		rows, err := List(r.Context(), conn, stream, params.Offset, params.PageSize)
		if err != nil {
			httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list audit log", err))
			return
		}

		if brk := Verify(rows); brk != nil {
			httpserver.RespondError(w, apierr.New(apierr.KindIntegrity, "audit chain verification failed").
				WithDetails(map[string]string{
					"sequence_number": strconv.FormatInt(brk.SequenceNumber, 10),
					"reason":          brk.Reason,
				}))
			return
		}

		httpserver.Respond(w, http.StatusOK, map[string]any{"verified": true, "rows_checked": len(rows)})
	}
}
