package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/alert"
	"github.com/wisbric/mcpgate/internal/tenant"
	"github.com/wisbric/mcpgate/internal/tier"
)

// Worker runs the quota engine's periodic sweeps in worker mode: applying
// scheduled downgrades whose period end has arrived (including the
// newest-first member suspensions the new tier's cap forces), persisting
// the Redis request counters into each tenant's usage_counters table, and
// raising a one-per-period overage alert for paid tenants past quota.
type Worker struct {
	svc      *Service
	admitter *Admitter
	members  *tenant.MembershipStore
	pool     *pgxpool.Pool
	alerts   *alert.Notifier
	logger   *slog.Logger
}

// NewWorker creates a Worker. alerts may be nil.
func NewWorker(svc *Service, admitter *Admitter, members *tenant.MembershipStore, pool *pgxpool.Pool, alerts *alert.Notifier, logger *slog.Logger) *Worker {
	return &Worker{svc: svc, admitter: admitter, members: members, pool: pool, alerts: alerts, logger: logger}
}

// Run sweeps once immediately, then once per interval until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	w.applyScheduledDowngrades(ctx)
	w.persistUsage(ctx)
}

// applyScheduledDowngrades flips every due scheduled tier change and then
// suspends members newest-first wherever the new tier's cap is exceeded.
// The suspension runs against the tenant's own schema, outside the
// public-schema transaction ApplyDueDowngrade commits; a crash in between
// leaves the tenant downgraded with too many active members. Later sweeps
// do not revisit that tenant, because applying the downgrade clears its
// scheduled_tier.
func (w *Worker) applyScheduledDowngrades(ctx context.Context) {
	due, err := w.svc.DueScheduledDowngrades(ctx)
	if err != nil {
		w.logger.Error("listing due scheduled downgrades", "error", err)
		return
	}

	for _, d := range due {
		if err := w.svc.ApplyDueDowngrade(ctx, d); err != nil {
			w.logger.Error("applying scheduled downgrade", "tenant_slug", d.Slug, "error", err)
			continue
		}
		w.logger.Info("scheduled downgrade applied", "tenant_slug", d.Slug, "new_tier", d.NewTier)

		limit := tier.MemberLimit(d.NewTier)
		if limit == tier.Unbounded {
			continue
		}
		if err := w.suspendOverLimit(ctx, d.Slug, limit); err != nil {
			w.logger.Error("suspending members over new tier limit", "tenant_slug", d.Slug, "error", err)
		}
	}
}

func (w *Worker) suspendOverLimit(ctx context.Context, slug string, limit int) error {
	return tenant.WithConn(ctx, w.pool, slug, func(conn *pgxpool.Conn) error {
		suspended, err := w.members.ApplyDowngradeSuspensions(ctx, conn, limit)
		if err != nil {
			return err
		}
		if len(suspended) > 0 {
			w.logger.Info("members suspended by downgrade",
				"tenant_slug", slug, "count", len(suspended))
		}
		return nil
	})
}

// tenantRow is the public-schema snapshot the usage sweep iterates.
type tenantRow struct {
	ID   uuid.UUID
	Slug string
	Tier tier.Tier
}

func (w *Worker) listTenants(ctx context.Context) ([]tenantRow, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT id, slug, tier FROM public.tenants WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var out []tenantRow
	for rows.Next() {
		var t tenantRow
		var tr string
		if err := rows.Scan(&t.ID, &t.Slug, &tr); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		t.Tier = tier.Tier(tr)
		out = append(out, t)
	}
	return out, rows.Err()
}

// persistUsage copies each tenant's current-period Redis request counter
// into its usage_counters table. The database copy is what billing and the
// dashboard read; Redis is only the hot admission-path counter and may be
// behind by one sweep interval.
func (w *Worker) persistUsage(ctx context.Context) {
	tenants, err := w.listTenants(ctx)
	if err != nil {
		w.logger.Error("listing tenants for usage sweep", "error", err)
		return
	}

	period := time.Now().UTC().Format("2006-01")
	for _, t := range tenants {
		count, charge, err := w.admitter.Overage(ctx, t.ID.String(), t.Tier)
		if err != nil {
			w.logger.Error("reading usage counter", "tenant_slug", t.Slug, "error", err)
			continue
		}
		if count == 0 {
			continue
		}

		if err := w.upsertUsage(ctx, t.Slug, period, count, charge); err != nil {
			w.logger.Error("persisting usage counter", "tenant_slug", t.Slug, "error", err)
			continue
		}

		if charge > 0 {
			w.alertOverageOnce(ctx, t, period, count, charge)
		}
	}
}

func (w *Worker) upsertUsage(ctx context.Context, slug, period string, count int64, charge float64) error {
	return tenant.WithConn(ctx, w.pool, slug, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO usage_counters (period, request_count, overage_charge, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (period) DO UPDATE
			SET request_count = EXCLUDED.request_count,
			    overage_charge = EXCLUDED.overage_charge,
			    updated_at = now()
		`, period, count, charge)
		return err
	})
}

// alertOverageOnce posts the Slack overage banner at most once per tenant
// per billing period, deduplicated through a Redis sentinel key.
func (w *Worker) alertOverageOnce(ctx context.Context, t tenantRow, period string, count int64, charge float64) {
	if w.alerts == nil {
		return
	}

	sentinel := fmt.Sprintf("quota:overage_alerted:%s:%s", t.ID, period)
	set, err := w.admitter.redis.SetNX(ctx, sentinel, 1, 40*24*time.Hour).Result()
	if err != nil {
		w.logger.Error("checking overage alert sentinel", "tenant_slug", t.Slug, "error", err)
		return
	}
	if !set {
		return
	}

	if err := w.alerts.NotifyOverage(ctx, t.Slug, string(t.Tier), count, charge); err != nil {
		w.logger.Error("posting overage alert", "tenant_slug", t.Slug, "error", err)
	}
}
