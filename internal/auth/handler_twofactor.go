package auth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/httpserver"
)

// TwoFactorHandler exposes TOTP enrollment, disablement, and trusted-device
// management for the authenticated caller.
type TwoFactorHandler struct {
	creds *CredentialStore
}

// NewTwoFactorHandler creates a TwoFactorHandler.
func NewTwoFactorHandler(creds *CredentialStore) *TwoFactorHandler {
	return &TwoFactorHandler{creds: creds}
}

type beginTOTPResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// HandleBeginTOTPSetup generates a new TOTP secret and stores it unconfirmed
// against the caller's account; it only takes effect once
// HandleConfirmTOTPSetup verifies a code against it.
func (h *TwoFactorHandler) HandleBeginTOTPSetup(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
		return
	}

	key, err := NewTOTPSecret(id.Email)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to generate totp secret", err))
		return
	}

	if err := h.creds.BeginTOTPEnrollment(r.Context(), id.TenantSlug, *id.UserID, key.Secret()); err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to start totp enrollment", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, beginTOTPResponse{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
	})
}

type confirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

type confirmTOTPResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// HandleConfirmTOTPSetup validates a code against the pending secret and, on
// success, enables two-factor and issues backup codes. The raw codes are
// returned exactly once.
func (h *TwoFactorHandler) HandleConfirmTOTPSetup(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
		return
	}

	var req confirmTOTPRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	cred, err := h.creds.GetByEmail(r.Context(), id.TenantSlug, id.Email)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to load credentials", err))
		return
	}

	if !ValidateTOTPCode(cred.TOTPSecret, req.Code) {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid totp code"))
		return
	}

	rawCodes, hashedCodes, err := GenerateBackupCodes()
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to generate backup codes", err))
		return
	}

	if err := h.creds.ConfirmTOTPEnrollment(r.Context(), id.TenantSlug, *id.UserID, hashedCodes); err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to confirm totp enrollment", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, confirmTOTPResponse{BackupCodes: rawCodes})
}

// HandleDisableTwoFactor turns off TOTP enforcement for the caller.
func (h *TwoFactorHandler) HandleDisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
		return
	}

	if err := h.creds.DisableTOTP(r.Context(), id.TenantSlug, *id.UserID); err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to disable two-factor", err))
		return
	}
	httpserver.RespondNoContent(w)
}

type trustedDeviceResponse struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleListTrustedDevices lists the caller's non-expired trusted devices.
func (h *TwoFactorHandler) HandleListTrustedDevices(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
		return
	}

	devices, err := h.creds.ListTrustedDevices(r.Context(), id.TenantSlug, *id.UserID)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to list trusted devices", err))
		return
	}

	out := make([]trustedDeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, trustedDeviceResponse{
			ID:        d.ID.String(),
			Label:     d.Label,
			ExpiresAt: d.ExpiresAt,
			CreatedAt: d.CreatedAt,
		})
	}
	httpserver.Respond(w, http.StatusOK, out)
}

// HandleRevokeTrustedDevice deletes a single trusted device by ID.
func (h *TwoFactorHandler) HandleRevokeTrustedDevice(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, apierr.New(apierr.KindUnauthenticated, "authentication required"))
		return
	}

	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindValidation, "invalid device id"))
		return
	}

	if err := h.creds.RevokeTrustedDevice(r.Context(), id.TenantSlug, *id.UserID, deviceID); err != nil {
		httpserver.RespondError(w, apierr.New(apierr.KindNotFound, "trusted device not found"))
		return
	}
	httpserver.RespondNoContent(w)
}

// Routes mounts the two-factor and trusted-device endpoints under the
// authenticated /api/v1/2fa prefix.
func (h *TwoFactorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/totp/begin", h.HandleBeginTOTPSetup)
	r.Post("/totp/confirm", h.HandleConfirmTOTPSetup)
	r.Post("/totp/disable", h.HandleDisableTwoFactor)
	r.Get("/devices", h.HandleListTrustedDevices)
	r.Delete("/devices/{deviceID}", h.HandleRevokeTrustedDevice)
	return r
}
