package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/tier"
)

// APIKeyHandler exposes CRUD endpoints for tenant-scoped API keys. tierOf
// reports the caller's tenant tier (injected so this package does not
// depend on tenant resolution).
type APIKeyHandler struct {
	store  *PGStore
	pepper []byte
	tierOf func(ctx context.Context) tier.Tier
}

// NewAPIKeyHandler creates an APIKeyHandler.
func NewAPIKeyHandler(store *PGStore, pepper []byte, tierOf func(ctx context.Context) tier.Tier) *APIKeyHandler {
	return &APIKeyHandler{store: store, pepper: pepper, tierOf: tierOf}
}

type createAPIKeyRequest struct {
	Name      string `json:"name" validate:"required,min=3,max=100"`
	Scope     string `json:"scope" validate:"required,oneof=full readonly mcp_only"`
	ExpiresIn *int   `json:"expires_in_days"`
}

type apiKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Scope      string     `json:"scope"`
	Revoked    bool       `json:"revoked"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RawKey     string     `json:"raw_key,omitempty"`
}

// HandleCreate issues a new API key for the caller's tenant.
func (h *APIKeyHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	var req createAPIKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if h.tierOf != nil {
		limit := tier.ForTier(h.tierOf(r.Context())).MaxAPIKeys
		if limit != tier.Unbounded {
			count, err := h.store.CountAPIKeys(r.Context(), id.TenantID)
			if err != nil {
				httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to check api key quota", err))
				return
			}
			if count >= limit {
				httpserver.RespondError(w, apierr.New(apierr.KindQuotaExceeded, fmt.Sprintf("tier limit of %d api keys reached", limit)))
				return
			}
		}
	}

	var expiresAt *time.Time
	if req.ExpiresIn != nil {
		t := time.Now().AddDate(0, 0, *req.ExpiresIn)
		expiresAt = &t
	}

	key, raw, err := h.store.CreateAPIKey(r.Context(), h.pepper, CreateAPIKeyParams{
		TenantID:  id.TenantID,
		UserID:    *id.UserID,
		Name:      req.Name,
		Scope:     APIKeyScope(req.Scope),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to create api key", err))
		return
	}

	httpserver.Respond(w, http.StatusCreated, apiKeyResponse{
		ID:        key.ID.String(),
		Name:      key.Name,
		Prefix:    key.Prefix,
		Scope:     string(key.Scope),
		ExpiresAt: key.ExpiresAt,
		CreatedAt: time.Now(),
		RawKey:    raw,
	})
}

// HandleList returns all API keys for the caller's tenant.
func (h *APIKeyHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	keys, err := h.store.ListAPIKeys(r.Context(), id.TenantID)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list api keys", err))
		return
	}

	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyResponse{
			ID:         k.ID.String(),
			Name:       k.Name,
			Prefix:     k.Prefix,
			Scope:      string(k.Scope),
			Revoked:    k.Revoked,
			ExpiresAt:  k.ExpiresAt,
			LastUsedAt: k.LastUsedAt,
			CreatedAt:  k.CreatedAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// HandleGet returns a single API key. Cross-tenant lookups report not-found
// rather than forbidden, so a foreign key ID's existence is never disclosed.
func (h *APIKeyHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid key id"))
		return
	}

	k, err := h.store.GetAPIKey(r.Context(), id.TenantID, keyID)
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindNotFound, "api key not found"))
		return
	}

	httpserver.Respond(w, http.StatusOK, apiKeyResponse{
		ID:         k.ID.String(),
		Name:       k.Name,
		Prefix:     k.Prefix,
		Scope:      string(k.Scope),
		Revoked:    k.Revoked,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	})
}

// HandleRevoke revokes an API key by ID.
func (h *APIKeyHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid key id"))
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), id.TenantID, keyID); err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindNotFound, "api key not found"))
		return
	}

	httpserver.RespondNoContent(w)
}
