package quota

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/tier"
)

// CheckResourceLimit runs a COUNT(*) against the tenant-scoped connection
// (already search_path-scoped by tenant.Middleware) and returns a
// KindQuotaExceeded error if creating one more row of that kind would
// exceed the tier's limit. The check lives in the creation handler itself,
// not a generic request-admission middleware, since resource quotas are
// per-resource-kind rather than per-request.
func CheckResourceLimit(ctx context.Context, conn *pgxpool.Conn, table string, limit int) error {
	if limit == tier.Unbounded {
		return nil
	}

	count, err := CountRows(ctx, conn, table)
	if err != nil {
		return err
	}

	if count >= limit {
		return apierr.New(apierr.KindQuotaExceeded, fmt.Sprintf("tier limit of %d reached for %s", limit, table))
	}
	return nil
}

// CountRows returns the current row count of table on the given connection.
func CountRows(ctx context.Context, conn *pgxpool.Conn, table string) (int, error) {
	var count int
	if err := conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return count, nil
}
