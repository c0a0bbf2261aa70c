package mcpinstance

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Prober periodically checks every active tenant's registered MCP
// instances and records health on a ticker-driven sweep.
type Prober struct {
	pool    *pgxpool.Pool
	store   *Store
	client  *http.Client
	logger  *slog.Logger
	tenants func(ctx context.Context) ([]string, error)
}

// NewProber creates a Prober. tenants lists every provisioned tenant schema
// at probe time — the prober takes a fresh snapshot each tick rather than
// caching, so a newly provisioned tenant is picked up without a restart.
func NewProber(pool *pgxpool.Pool, store *Store, logger *slog.Logger, tenants func(ctx context.Context) ([]string, error)) *Prober {
	return &Prober{
		pool:   pool,
		store:  store,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		tenants: tenants,
	}
}

// Run probes every active instance once per interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) {
	schemas, err := p.tenants(ctx)
	if err != nil {
		p.logger.Error("listing tenant schemas for mcp health probe", "error", err)
		return
	}

	refs, err := p.store.ListAllActive(ctx, p.pool, schemas)
	if err != nil {
		p.logger.Error("listing active mcp instances", "error", err)
		return
	}

	for _, ref := range refs {
		health := p.probe(ctx, ref.UpstreamURL)
		p.recordHealth(ctx, ref, health)
	}
}

// probe issues a bounded HEAD request against the upstream. It never
// returns an error: an unreachable upstream is a health classification
// (degraded), not a probe failure.
func (p *Prober) probe(ctx context.Context, upstreamURL string) HealthStatus {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Upstreams are registered as websocket endpoints; the probe speaks
	// plain HTTP against the same host and path.
	probeURL := strings.Replace(upstreamURL, "ws://", "http://", 1)
	probeURL = strings.Replace(probeURL, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, probeURL, nil)
	if err != nil {
		return HealthDegraded
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return HealthDegraded
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return HealthDegraded
	}
	return HealthHealthy
}

func (p *Prober) recordHealth(ctx context.Context, ref ActiveRef, health HealthStatus) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		p.logger.Error("acquiring connection for health probe write", "error", err)
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT set_config('search_path', $1, false)`, ref.TenantSchema+", public"); err != nil {
		p.logger.Error("setting search_path for health probe write", "error", err, "schema", ref.TenantSchema)
		return
	}

	if err := p.store.UpdateHealth(ctx, conn, ref.ID, health, time.Now()); err != nil {
		p.logger.Error("recording mcp instance health", "error", err, "instance_id", ref.ID)
	}
}
