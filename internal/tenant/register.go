package tenant

import (
	"net/http"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/tier"
)

// RegisterHandler exposes the self-serve signup endpoint: create a new
// organization on the free tier plus its first owner user, in one call.
type RegisterHandler struct {
	provisioner *Provisioner
	creds       *auth.CredentialStore
	sessionMgr  *auth.SessionManager
}

// NewRegisterHandler creates a RegisterHandler.
func NewRegisterHandler(provisioner *Provisioner, creds *auth.CredentialStore, sessionMgr *auth.SessionManager) *RegisterHandler {
	return &RegisterHandler{provisioner: provisioner, creds: creds, sessionMgr: sessionMgr}
}

type registerRequest struct {
	OrgName     string `json:"org_name" validate:"required,min=2,max=200"`
	Slug        string `json:"slug" validate:"required,min=2,max=63"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=10"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=200"`
}

type registerResponse struct {
	Token string `json:"token"`
	Org   struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		Tier string `json:"tier"`
	} `json:"org"`
}

// HandleRegister provisions a new tenant schema on the free tier and its
// owner account, then issues a session for the new owner. If creating the
// owner fails, the freshly provisioned tenant is deprovisioned again (best
// effort; a failed deprovision is ignored).
func (h *RegisterHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	info, err := h.provisioner.Provision(r.Context(), req.OrgName, req.Slug, string(tier.Free))
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindConflict, "failed to create organization", err))
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to hash password", err))
		return
	}

	userID, err := h.creds.CreateOwner(r.Context(), req.Slug, req.Email, req.DisplayName, passwordHash)
	if err != nil {
		_ = h.provisioner.Deprovision(r.Context(), req.Slug)
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to create owner account", err))
		return
	}

	identity := &auth.Identity{
		Subject:    req.DisplayName,
		Email:      req.Email,
		Role:       auth.RoleOwner,
		TenantSlug: req.Slug,
		UserID:     &userID,
		Method:     auth.MethodSession,
	}

	token, err := h.sessionMgr.IssueToken(identity)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to issue session", err))
		return
	}
	if err := h.sessionMgr.IssueCookie(w, identity); err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to issue session", err))
		return
	}

	resp := registerResponse{Token: token}
	resp.Org.ID = info.ID.String()
	resp.Org.Slug = info.Slug
	resp.Org.Tier = info.Tier
	httpserver.Respond(w, http.StatusCreated, resp)
}
