package quota

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/mcpgate/internal/apierr"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/telemetry"
	"github.com/wisbric/mcpgate/internal/tenant"
	"github.com/wisbric/mcpgate/internal/tier"
)

// Admitter enforces the request-count quota on each /api/v1 request. It
// follows the login rate limiter's INCR+EXPIRE pattern but keys by
// tenant+period instead of source IP, and branches on tier policy instead
// of a single fixed threshold: free tier hard-blocks, paid tiers accrue
// overage and let the request through.
type Admitter struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewAdmitter creates an Admitter.
func NewAdmitter(rdb *redis.Client, logger *slog.Logger) *Admitter {
	return &Admitter{redis: rdb, logger: logger}
}

func periodKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("quota:requests:%s:%04d-%02d", tenantID, now.Year(), now.Month())
}

// Middleware must be mounted after tenant.Middleware so tenant.Info is
// already in context.
func (a *Admitter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := tenant.FromContext(r.Context())
		if info == nil {
			httpserver.RespondError(w, apierr.New(apierr.KindInternal, "quota middleware requires tenant resolution first"))
			return
		}

		t := tier.Tier(info.Tier)
		limits := tier.ForTier(t)

		if limits.RequestsPerMo == tier.Unbounded {
			next.ServeHTTP(w, r)
			return
		}

		key := periodKey(info.ID.String(), time.Now())
		count, err := a.incrementWithExpiry(r.Context(), key)
		if err != nil {
			a.logger.Error("quota counter increment failed", "error", err, "tenant_id", info.ID)
			// Fail open: a Redis outage must not make the gateway
			// unusable for every paying tenant.
			next.ServeHTTP(w, r)
			return
		}

		if count > int64(limits.RequestsPerMo) {
			if limits.HardBlock {
				telemetry.QuotaRequestsBlockedTotal.WithLabelValues(info.Slug).Inc()
				httpserver.RespondError(w, apierr.New(apierr.KindQuotaExceeded, "monthly request quota exceeded for the free tier"))
				return
			}
			telemetry.QuotaOverageRequestsTotal.WithLabelValues(info.Slug, string(t)).Inc()
		}

		next.ServeHTTP(w, r)
	})
}

// incrementWithExpiry increments the per-tenant-per-period counter, setting
// a TTL only the first time the key is created so a counter is never reset
// mid-period by a later Expire call racing the first increment.
func (a *Admitter) incrementWithExpiry(ctx context.Context, key string) (int64, error) {
	pipe := a.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing quota counter: %w", err)
	}

	count := incr.Val()
	if count == 1 {
		// First request of the period: set expiry generously past a
		// calendar month so a slow clock skew never truncates it early.
		a.redis.Expire(ctx, key, 32*24*time.Hour)
	}
	return count, nil
}

// Overage returns the current period's request count and computed overage
// charge for a tenant, for display on the dashboard alert banner.
func (a *Admitter) Overage(ctx context.Context, tenantID string, t tier.Tier) (requestCount int64, overageCharge float64, err error) {
	limits := tier.ForTier(t)
	key := periodKey(tenantID, time.Now())
	count, err := a.redis.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("reading quota counter: %w", err)
	}

	if limits.RequestsPerMo == tier.Unbounded || count <= int64(limits.RequestsPerMo) {
		return count, 0, nil
	}

	over := count - int64(limits.RequestsPerMo)
	return count, float64(over) * limits.OveragePricePer, nil
}
