package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrWrongDatabase is returned when the process is about to bind to a
// database host that config explicitly marks as forbidden. Any operator
// who has ever watched a staging config point at a production host needs
// the process to refuse to start, not log a warning and continue.
var ErrWrongDatabase = errors.New("platform: refusing to start against a forbidden database host")

// NewPostgresPool connects to Postgres and verifies the connection does not
// resolve to one of the wrongHosts fingerprints before returning the pool.
func NewPostgresPool(ctx context.Context, databaseURL string, wrongHosts []string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := guardAgainstWrongDatabase(ctx, pool, wrongHosts); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// guardAgainstWrongDatabase compares the server's reported address and
// current database name against the operator-supplied deny list. It is the
// one place in the gateway allowed to treat a configuration mistake as
// fatal rather than degraded: every other failure path returns an error
// through the normal apierr chain.
func guardAgainstWrongDatabase(ctx context.Context, pool *pgxpool.Pool, wrongHosts []string) error {
	if len(wrongHosts) == 0 {
		return nil
	}

	var serverAddr, dbName string
	row := pool.QueryRow(ctx, `SELECT coalesce(host(inet_server_addr()), ''), current_database()`)
	if err := row.Scan(&serverAddr, &dbName); err != nil {
		return fmt.Errorf("reading database fingerprint: %w", err)
	}

	if slices.Contains(wrongHosts, serverAddr) || slices.Contains(wrongHosts, dbName) {
		return fmt.Errorf("%w: host=%q database=%q", ErrWrongDatabase, serverAddr, dbName)
	}

	return nil
}
