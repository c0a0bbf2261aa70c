package quota

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/tenant"
	"github.com/wisbric/mcpgate/internal/tier"
)

// Handler exposes the tier-change and overage-reporting endpoints.
type Handler struct {
	svc      *Service
	admitter *Admitter
	pool     *pgxpool.Pool
}

// NewHandler creates a quota Handler.
func NewHandler(svc *Service, admitter *Admitter, pool *pgxpool.Pool) *Handler {
	return &Handler{svc: svc, admitter: admitter, pool: pool}
}

type changeTierRequest struct {
	NewTier         string   `json:"new_tier" validate:"required,oneof=free pro team enterprise"`
	BillingInterval string   `json:"billing_interval" validate:"omitempty,oneof=monthly annual"`
	CustomPrice     *float64 `json:"custom_price"`
	TrialDays       int      `json:"trial_days"`
	Timing          string   `json:"timing" validate:"omitempty,oneof=scheduled immediate"`
	Refund          string   `json:"refund" validate:"omitempty,oneof=refund credit"`
	Reason          string   `json:"reason" validate:"required"`
}

// HandleChangeTier applies or schedules a tier change for the caller's
// tenant. Only Owner/Admin may change tier, enforced by the route's RBAC
// middleware, not here.
func (h *Handler) HandleChangeTier(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	info := tenant.FromContext(r.Context())

	var req changeTierRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	current, err := h.loadPeriod(r, info.ID.String(), tier.Tier(info.Tier))
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to load billing period", err))
		return
	}

	timing := DowngradeTiming(req.Timing)
	if timing == "" {
		timing = DowngradeScheduled
	}
	refund := RefundPolicy(req.Refund)
	if refund == "" {
		refund = RefundMoney
	}

	result, err := h.svc.ChangeTier(r.Context(), info.ID, current, TierChangeRequest{
		NewTier:         tier.Tier(req.NewTier),
		BillingInterval: req.BillingInterval,
		CustomPrice:     req.CustomPrice,
		TrialDays:       req.TrialDays,
		Timing:          timing,
		Refund:          refund,
		Reason:          req.Reason,
		OperatorID:      *id.UserID,
	})
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, result)
}

// loadPeriod reads the tenant's current billing period. In the absence of a
// dedicated billing table in this gateway's scope, period boundaries are
// derived from the tenant row's current_period_end.
func (h *Handler) loadPeriod(r *http.Request, tenantID string, t tier.Tier) (TenantPeriod, error) {
	var periodEnd time.Time
	var monthlyFee float64
	err := h.pool.QueryRow(r.Context(), `
		SELECT current_period_end, monthly_fee FROM public.tenants WHERE id = $1
	`, tenantID).Scan(&periodEnd, &monthlyFee)
	if err != nil {
		return TenantPeriod{}, err
	}
	return TenantPeriod{
		CurrentTier: t,
		PeriodStart: periodEnd.AddDate(0, -1, 0),
		PeriodEnd:   periodEnd,
		MonthlyFee:  monthlyFee,
	}, nil
}

type overageResponse struct {
	Tier          string  `json:"tier"`
	RequestCount  int64   `json:"request_count"`
	RequestLimit  int     `json:"request_limit"`
	OverageCharge float64 `json:"overage_charge"`
	HardBlocked   bool    `json:"hard_blocked"`
}

// HandleOverage reports the caller's tenant's current-period usage and
// overage charge, for the dashboard alert banner.
func (h *Handler) HandleOverage(w http.ResponseWriter, r *http.Request) {
	info := tenant.FromContext(r.Context())
	t := tier.Tier(info.Tier)
	limits := tier.ForTier(t)

	count, charge, err := h.admitter.Overage(r.Context(), info.ID.String(), t)
	if err != nil {
		httpserver.RespondError(w, apierr.Wrap(apierr.KindInternal, "failed to compute overage", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, overageResponse{
		Tier:          string(t),
		RequestCount:  count,
		RequestLimit:  limits.RequestsPerMo,
		OverageCharge: charge,
		HardBlocked:   limits.HardBlock,
	})
}
