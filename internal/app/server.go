package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/config"
	"github.com/wisbric/mcpgate/internal/httpserver"
	"github.com/wisbric/mcpgate/internal/quota"
	"github.com/wisbric/mcpgate/internal/tenant"
)

// Server assembles the gateway's HTTP surface: public auth routes, the
// authenticated tenant-scoped /api/v1 sub-router, the MCP transport
// endpoints under /api/mcp, and the unauthenticated health/metrics
// endpoints. Domain handlers are mounted on APIRouter and MCPRouter by
// runAPI after construction.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated, tenant-scoped, quota-admitted /api/v1
	MCPRouter chi.Router // same chain for the MCP transport under /api/mcp
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	startedAt time.Time
}

// NewServer creates the router skeleton with its middleware chains and
// health/metrics endpoints.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry,
	sessionMgr *auth.SessionManager, apikeyAuth *auth.APIKeyAuthenticator, authStore auth.Storage,
	admitter *quota.Admitter, members *tenant.MembershipStore) *Server {

	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		startedAt: time.Now(),
	}

	s.Router.Use(httpserver.RequestID)
	s.Router.Use(httpserver.Logger(logger))
	s.Router.Use(httpserver.Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-Trusted-Device-Token"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Trusted-Device-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated).
	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated).
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	chain := func(r chi.Router) {
		// 1. Authenticate: session cookie → bearer → query token → API key.
		r.Use(auth.Middleware(sessionMgr, apikeyAuth, authStore, cfg.DevMode, logger))

		// 2. Resolve tenant and set search_path from the authenticated identity.
		r.Use(tenant.Middleware(db, logger))

		// 3. Reject anything unauthenticated or still pending 2FA.
		r.Use(auth.RequireAuth)
		r.Use(auth.RequireTwoFactorSatisfied)

		// 4. Suspended members are read-only everywhere.
		r.Use(tenant.RequireActiveForWrites(members))

		// 5. Request-count quota admission.
		r.Use(admitter.Middleware)
	}

	// Authenticated, tenant-scoped API routes.
	s.Router.Route("/api/v1", func(r chi.Router) {
		chain(r)

		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			t := tenant.FromContext(r.Context())
			id := auth.FromContext(r.Context())
			httpserver.Respond(w, http.StatusOK, map[string]string{
				"tenant":  t.Slug,
				"schema":  t.Schema,
				"subject": id.Subject,
				"role":    id.Role,
				"method":  id.Method,
			})
		})

		s.APIRouter = r
	})

	// The MCP transport shares the full chain: API keys authenticate it,
	// tenant resolution picks the schema the instance lookup runs against,
	// and the metered request quota counts session opens.
	s.Router.Route("/api/mcp", func(r chi.Router) {
		chain(r)
		s.MCPRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// handleHealth is the liveness probe: it reports on the process only and
// never returns a 5xx while the process can serve it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleReadyz is the readiness probe: it additionally requires both backing
// stores to answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
