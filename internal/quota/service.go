// Package quota implements the per-tier request/resource caps, overage
// accrual, and tier-change proration. The tier policy table itself lives
// in package tier.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/audit"
	"github.com/wisbric/mcpgate/internal/tier"
)

// DowngradeTiming selects when a downgrade takes effect
type DowngradeTiming string

const (
	DowngradeScheduled DowngradeTiming = "scheduled"
	DowngradeImmediate DowngradeTiming = "immediate"
)

// RefundPolicy selects how an immediate downgrade's unused period is
// returned to the tenant.
type RefundPolicy string

const (
	RefundMoney  RefundPolicy = "refund"
	RefundCredit RefundPolicy = "credit"
)

// TierChangeRequest is the full set of inputs for a tier change: upgrades
// apply immediately with optional billing terms;
// downgrades additionally choose a timing and, if immediate, a refund
// policy.
type TierChangeRequest struct {
	NewTier         tier.Tier
	BillingInterval string // "monthly" | "annual"
	CustomPrice     *float64
	DelayedStart    *time.Time
	TrialDays       int // 0-730
	Timing          DowngradeTiming
	Refund          RefundPolicy
	Reason          string
	OperatorID      uuid.UUID
}

// TierChangeResult summarizes what happened, for the caller to surface to
// the operator and for the audit record's details.
type TierChangeResult struct {
	EffectiveNow bool
	EffectiveAt  time.Time
	RefundAmount float64
	CreditAmount float64
	PreviousTier tier.Tier
}

// Service implements the quota/overage engine: period-end proration math,
// tier-change application, and the per-tenant usage counters the periodic
// worker tick reads.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates a Service backed by pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// TenantPeriod is the minimal billing-period state ChangeTier needs.
type TenantPeriod struct {
	CurrentTier tier.Tier
	PeriodStart time.Time
	PeriodEnd   time.Time
	MonthlyFee  float64
}

// ChangeTier validates req.TrialDays bounds, computes proration for an
// immediate downgrade, and — inside a single transaction — updates the
// tenant row and appends a tier_changed audit record with the initiating
// operator and free-text reason — every tier change is audited.
func (s *Service) ChangeTier(ctx context.Context, tenantID uuid.UUID, current TenantPeriod, req TierChangeRequest) (*TierChangeResult, error) {
	if req.TrialDays < 0 || req.TrialDays > 730 {
		return nil, apierr.New(apierr.KindValidation, "trial_days must be between 0 and 730")
	}

	result := &TierChangeResult{PreviousTier: current.CurrentTier}
	upgrade := tier.IsUpgrade(current.CurrentTier, req.NewTier)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning tier change transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()

	switch {
	case upgrade:
		// Upgrade or same-tier reconfiguration: applied immediately.
		result.EffectiveNow = true
		result.EffectiveAt = now
		if err := s.applyTierNow(ctx, tx, tenantID, req.NewTier); err != nil {
			return nil, err
		}

	case req.Timing == DowngradeImmediate:
		result.EffectiveNow = true
		result.EffectiveAt = now
		amount := prorateRefund(current.MonthlyFee, current.PeriodStart, current.PeriodEnd, now)
		switch req.Refund {
		case RefundCredit:
			result.CreditAmount = amount
			if err := s.creditAccount(ctx, tx, tenantID, amount); err != nil {
				return nil, err
			}
		default:
			result.RefundAmount = amount
		}
		if err := s.applyTierNow(ctx, tx, tenantID, req.NewTier); err != nil {
			return nil, err
		}

	default: // scheduled (default)
		result.EffectiveNow = false
		result.EffectiveAt = current.PeriodEnd
		if err := s.scheduleTierChange(ctx, tx, tenantID, req.NewTier, current.PeriodEnd); err != nil {
			return nil, err
		}
	}

	details := map[string]any{
		"previous_tier": string(current.CurrentTier),
		"new_tier":      string(req.NewTier),
		"timing":        string(req.Timing),
		"reason":        req.Reason,
		"effective_now": result.EffectiveNow,
	}
	if result.RefundAmount > 0 {
		details["refund_amount"] = result.RefundAmount
	}
	if result.CreditAmount > 0 {
		details["credit_amount"] = result.CreditAmount
	}

	actorID := req.OperatorID
	if _, err := audit.Append(ctx, tx, audit.StreamAdmin, audit.AppendRequest{
		ActorID:    &actorID,
		Action:     "tier_changed",
		TargetType: "tenant",
		TargetID:   &tenantID,
		Severity:   audit.SeverityInfo,
		EventType:  "tier_changed",
		Details:    details,
	}); err != nil {
		return nil, fmt.Errorf("recording tier change audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing tier change: %w", err)
	}

	return result, nil
}

// prorateRefund computes the unused fraction of the current billing period,
// in money, as of 'now'. 10 days into a 30-day Pro period and immediately
// downgrading refunds 20/30 of the period fee.
func prorateRefund(monthlyFee float64, periodStart, periodEnd, now time.Time) float64 {
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return 0
	}
	remaining := periodEnd.Sub(now)
	if remaining < 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}
	return monthlyFee * remaining.Seconds() / total.Seconds()
}

func (s *Service) applyTierNow(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, newTier tier.Tier) error {
	_, err := tx.Exec(ctx, `
		UPDATE public.tenants
		SET tier = $1, scheduled_tier = NULL, scheduled_tier_at = NULL
		WHERE id = $2
	`, string(newTier), tenantID)
	if err != nil {
		return fmt.Errorf("applying tier change: %w", err)
	}
	return nil
}

func (s *Service) scheduleTierChange(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, newTier tier.Tier, effectiveAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE public.tenants
		SET scheduled_tier = $1, scheduled_tier_at = $2
		WHERE id = $3
	`, string(newTier), effectiveAt, tenantID)
	if err != nil {
		return fmt.Errorf("scheduling tier change: %w", err)
	}
	return nil
}

func (s *Service) creditAccount(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, amount float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE public.tenants SET account_credit = account_credit + $1 WHERE id = $2
	`, amount, tenantID)
	if err != nil {
		return fmt.Errorf("crediting account: %w", err)
	}
	return nil
}

// DueScheduledDowngrade is one tenant whose scheduled downgrade's period-end
// has arrived.
type DueScheduledDowngrade struct {
	TenantID uuid.UUID
	Slug     string
	NewTier  tier.Tier
}

// DueScheduledDowngrades lists every tenant whose scheduled_tier_at has
// passed, for the worker-mode period-rollover sweep: a scheduled downgrade
// takes effect at the period end it was recorded against.
func (s *Service) DueScheduledDowngrades(ctx context.Context) ([]DueScheduledDowngrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, slug, scheduled_tier
		FROM public.tenants
		WHERE scheduled_tier IS NOT NULL AND scheduled_tier_at <= now()
	`)
	if err != nil {
		return nil, fmt.Errorf("listing due scheduled downgrades: %w", err)
	}
	defer rows.Close()

	var out []DueScheduledDowngrade
	for rows.Next() {
		var d DueScheduledDowngrade
		var next string
		if err := rows.Scan(&d.TenantID, &d.Slug, &next); err != nil {
			return nil, fmt.Errorf("scanning due scheduled downgrade: %w", err)
		}
		d.NewTier = tier.Tier(next)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ApplyDueDowngrade flips a tenant from its scheduled tier change to
// effective-now, inside a transaction that also records the audit entry.
// Per-tenant member suspension (if the new tier's member cap is now
// exceeded) is the caller's responsibility, since it runs against the
// tenant's own schema rather than the public one this Service owns.
func (s *Service) ApplyDueDowngrade(ctx context.Context, d DueScheduledDowngrade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning scheduled downgrade transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.applyTierNow(ctx, tx, d.TenantID, d.NewTier); err != nil {
		return err
	}

	details := map[string]any{
		"new_tier": string(d.NewTier),
		"timing":   string(DowngradeScheduled),
		"reason":   "scheduled downgrade reached period end",
	}
	if _, err := audit.Append(ctx, tx, audit.StreamAdmin, audit.AppendRequest{
		Action:     "tier_changed",
		TargetType: "tenant",
		TargetID:   &d.TenantID,
		Severity:   audit.SeverityInfo,
		EventType:  "tier_changed",
		Details:    details,
	}); err != nil {
		return fmt.Errorf("recording scheduled tier change audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing scheduled downgrade: %w", err)
	}
	return nil
}
