package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ExpirySweeper clears expired invitations and trusted devices across every
// tenant schema. Both records already stop working the moment their
// expires_at passes; the sweep keeps the tables from accumulating dead rows
// and keeps the member-facing lists honest.
type ExpirySweeper struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewExpirySweeper creates an ExpirySweeper.
func NewExpirySweeper(pool *pgxpool.Pool, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{pool: pool, logger: logger}
}

// Run sweeps once immediately, then once per interval until ctx is
// cancelled.
func (s *ExpirySweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) sweepOnce(ctx context.Context) {
	slugs, err := s.listSlugs(ctx)
	if err != nil {
		s.logger.Error("listing tenants for expiry sweep", "error", err)
		return
	}

	for _, slug := range slugs {
		if err := s.sweepTenant(ctx, slug); err != nil {
			s.logger.Error("expiry sweep failed", "tenant_slug", slug, "error", err)
		}
	}
}

func (s *ExpirySweeper) listSlugs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT slug FROM public.tenants WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

func (s *ExpirySweeper) sweepTenant(ctx context.Context, slug string) error {
	return WithConn(ctx, s.pool, slug, func(conn *pgxpool.Conn) error {
		devices, err := conn.Exec(ctx, `DELETE FROM trusted_devices WHERE expires_at <= now()`)
		if err != nil {
			return fmt.Errorf("deleting expired trusted devices: %w", err)
		}

		invites, err := conn.Exec(ctx, `
			DELETE FROM invitations WHERE expires_at <= now() AND consumed_at IS NULL
		`)
		if err != nil {
			return fmt.Errorf("deleting expired invitations: %w", err)
		}

		if devices.RowsAffected() > 0 || invites.RowsAffected() > 0 {
			s.logger.Info("expiry sweep",
				"tenant_slug", slug,
				"trusted_devices_removed", devices.RowsAffected(),
				"invitations_removed", invites.RowsAffected(),
			)
		}
		return nil
	})
}
