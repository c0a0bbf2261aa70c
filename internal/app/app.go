// Package app wires configuration, infrastructure, and domain handlers into
// the gateway's two runtime modes: api (HTTP/WebSocket traffic) and worker
// (periodic sweeps: scheduled downgrades, usage persistence, MCP health
// probing, invite/trusted-device expiry).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/mcpgate/internal/alert"
	"github.com/wisbric/mcpgate/internal/audit"
	"github.com/wisbric/mcpgate/internal/auth"
	"github.com/wisbric/mcpgate/internal/config"
	"github.com/wisbric/mcpgate/internal/mcpinstance"
	"github.com/wisbric/mcpgate/internal/mcpsession"
	"github.com/wisbric/mcpgate/internal/platform"
	"github.com/wisbric/mcpgate/internal/quota"
	"github.com/wisbric/mcpgate/internal/realtime"
	"github.com/wisbric/mcpgate/internal/support"
	"github.com/wisbric/mcpgate/internal/telemetry"
	"github.com/wisbric/mcpgate/internal/tenant"
	"github.com/wisbric/mcpgate/internal/tier"
)

// Worker-mode sweep cadences.
const (
	quotaSweepInterval  = time.Minute
	probeInterval       = time.Minute
	expirySweepInterval = 10 * time.Minute
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting mcpgate",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Database. NewPostgresPool refuses to start against a host on the
	// configured deny list; that error is fatal by design.
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.WrongDatabaseHosts)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis.
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Run global migrations.
	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	// Metrics.
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// authEventSink adapts auth's decoupled event hook onto the async audit
// writer, targeting each tenant's auth stream.
type authEventSink struct {
	writer *audit.AsyncWriter
}

func (s authEventSink) RecordAuthEvent(tenantSlug string, evt auth.AuthEvent) {
	severity := audit.SeverityInfo
	switch evt.Severity {
	case "warning":
		severity = audit.SeverityWarning
	case "critical":
		severity = audit.SeverityCritical
	}
	s.writer.Log(tenant.SchemaName(tenantSlug), audit.StreamAuth, audit.AppendRequest{
		ActorID:   evt.ActorID,
		Action:    evt.Action,
		Severity:  severity,
		EventType: evt.EventType,
		Details:   evt.Details,
	})
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Session manager.
	sessionSecret := []byte(cfg.SessionSecret)
	if len(sessionSecret) == 0 {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set MCPGATE_SESSION_SECRET in production)")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	lockFor, err := time.ParseDuration(cfg.TwoFactorLockFor)
	if err != nil {
		return fmt.Errorf("parsing 2fa lock duration %q: %w", cfg.TwoFactorLockFor, err)
	}

	// Stores and authenticators.
	authStore := auth.NewPGStore(db)
	apikeyAuth := &auth.APIKeyAuthenticator{Store: authStore, Pepper: []byte(cfg.APIKeyPepper)}
	creds := auth.NewCredentialStore(db)

	// Best-effort audit writer for auth events and MCP session telemetry.
	asyncAudit := audit.NewAsyncWriter(db, logger)
	asyncAudit.Start(ctx)
	defer asyncAudit.Close()

	// Slack alerts (noop without a bot token).
	alerts := alert.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if alerts.IsEnabled() {
		logger.Info("slack alerts enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack alerts disabled (SLACK_BOT_TOKEN not set)")
	}

	// Quota admission.
	admitter := quota.NewAdmitter(rdb, logger)

	members := tenant.NewMembershipStore()

	srv := NewServer(cfg, logger, db, rdb, metricsReg, sessionMgr, apikeyAuth, authStore, admitter, members)

	// --- Auth routes (public, pre-authentication) ---

	// Rate limiter: 10 failed attempts per IP per 15 minutes.
	rateLimiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)

	authHandler := auth.NewHandler(sessionMgr, creds, rateLimiter,
		cfg.TwoFactorMaxFails, lockFor, authEventSink{writer: asyncAudit}, alerts, logger)

	provisioner := &tenant.Provisioner{
		DB:            db,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsTenantDir,
		Logger:        logger,
	}
	registerHandler := tenant.NewRegisterHandler(provisioner, creds, sessionMgr)

	srv.Router.Post("/api/auth/register", registerHandler.HandleRegister)
	srv.Router.Post("/api/auth/login", authHandler.HandleLogin)
	srv.Router.Post("/api/auth/2fa/verify", authHandler.HandleVerifyTwoFactor)
	srv.Router.Post("/api/auth/logout", authHandler.HandleLogout)
	// A pending-2FA token may reach only the verification flow and sign-out
	// above; /me is gated like every protected endpoint.
	srv.Router.With(
		auth.Middleware(sessionMgr, apikeyAuth, authStore, cfg.DevMode, logger),
		auth.RequireTwoFactorSatisfied,
	).Get("/api/auth/me", authHandler.HandleMe)

	// --- Tenant-scoped domain handlers on /api/v1 ---

	invitations := tenant.NewInvitationStore()
	tenantHandler := tenant.NewHandler(members, invitations)
	srv.APIRouter.Mount("/organization", tenantHandler.Routes())

	twoFactorHandler := auth.NewTwoFactorHandler(creds)
	srv.APIRouter.Mount("/2fa", twoFactorHandler.Routes())

	tierOf := func(ctx context.Context) tier.Tier {
		if info := tenant.FromContext(ctx); info != nil {
			return tier.Tier(info.Tier)
		}
		return tier.Free
	}
	apikeyHandler := auth.NewAPIKeyHandler(authStore, []byte(cfg.APIKeyPepper), tierOf)
	srv.APIRouter.Route("/api-keys", func(r chi.Router) {
		r.Get("/", apikeyHandler.HandleList)
		r.Get("/{keyID}", apikeyHandler.HandleGet)
		r.With(auth.RequireMinRole(auth.RoleAdmin)).Post("/", apikeyHandler.HandleCreate)
		r.With(auth.RequireMinRole(auth.RoleAdmin)).Delete("/{keyID}", apikeyHandler.HandleRevoke)
	})

	instanceStore := mcpinstance.NewStore()
	instanceHandler := mcpinstance.NewHandler(instanceStore)
	srv.APIRouter.Mount("/mcp-instances", instanceHandler.Routes())

	auditHandler := audit.NewHandler(func(ctx context.Context) audit.Querier {
		if conn := tenant.ConnFromContext(ctx); conn != nil {
			return conn
		}
		return nil
	})
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	quotaSvc := quota.NewService(db)
	quotaHandler := quota.NewHandler(quotaSvc, admitter, db)
	srv.APIRouter.Route("/billing", func(r chi.Router) {
		r.Get("/overage", quotaHandler.HandleOverage)
		r.With(auth.RequireMinRole(auth.RoleAdmin)).Post("/tier", quotaHandler.HandleChangeTier)
	})

	// --- Real-time room bus ---

	typingWindow, err := time.ParseDuration(cfg.RealtimeTypingWindow)
	if err != nil {
		return fmt.Errorf("parsing realtime typing window %q: %w", cfg.RealtimeTypingWindow, err)
	}

	hub := realtime.NewHub(rdb, logger, ticketRoomAuthorizer(db, members), typingWindow)
	go func() {
		if err := hub.Run(ctx); err != nil {
			logger.Error("realtime hub stopped", "error", err)
		}
	}()

	realtimeHandler := realtime.NewHandler(hub, logger)
	srv.APIRouter.Mount("/ws/support", realtimeHandler.Routes())

	supportStore := support.NewStore()
	supportHandler := support.NewHandler(supportStore, hub)
	srv.APIRouter.Mount("/support/tickets", supportHandler.Routes())

	// --- MCP session router on /api/mcp ---

	idleTimeout, err := time.ParseDuration(cfg.MCPIdleTimeout)
	if err != nil {
		return fmt.Errorf("parsing mcp idle timeout %q: %w", cfg.MCPIdleTimeout, err)
	}
	heartbeat, err := time.ParseDuration(cfg.MCPHeartbeat)
	if err != nil {
		return fmt.Errorf("parsing mcp heartbeat %q: %w", cfg.MCPHeartbeat, err)
	}
	dialTimeout, err := time.ParseDuration(cfg.MCPUpstreamDialTime)
	if err != nil {
		return fmt.Errorf("parsing mcp upstream dial timeout %q: %w", cfg.MCPUpstreamDialTime, err)
	}

	mcpRouter := mcpsession.NewRouter(mcpsession.Config{
		IdleTimeout:  idleTimeout,
		Heartbeat:    heartbeat,
		SendQueueMax: cfg.MCPSendQueueMax,
		DialTimeout:  dialTimeout,
	}, logger)
	defer mcpRouter.CloseAll()

	mcpHandler := mcpsession.NewHandler(mcpRouter, instanceStore, db, asyncAudit)
	srv.MCPRouter.Mount("/", mcpHandler.Routes())

	// --- HTTP server with graceful shutdown ---

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ticketRoomAuthorizer checks, at subscribe time, that the caller belongs
// to the tenant the room's ticket lives in and that the ticket exists. The
// room name carries its own tenant slug; a mismatch with the caller's
// authenticated tenant is an immediate refusal, never a cross-schema query.
func ticketRoomAuthorizer(pool *pgxpool.Pool, members *tenant.MembershipStore) realtime.Authorizer {
	return func(ctx context.Context, tenantSlug string, userID uuid.UUID, room string) (bool, error) {
		roomSlug, ticketID, ok := support.ParseTicketRoom(room)
		if !ok || roomSlug != tenantSlug {
			return false, nil
		}

		var visible bool
		err := tenant.WithConn(ctx, pool, tenantSlug, func(conn *pgxpool.Conn) error {
			if _, err := members.GetByUserID(ctx, conn, userID); err != nil {
				return err
			}
			return conn.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM support_tickets WHERE id = $1)`, ticketID,
			).Scan(&visible)
		})
		if err != nil {
			return false, nil
		}
		return visible, nil
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	// MCP instance health probing.
	instanceStore := mcpinstance.NewStore()
	prober := mcpinstance.NewProber(db, instanceStore, logger, func(ctx context.Context) ([]string, error) {
		return tenant.ListTenantSlugs(ctx, db)
	})
	go func() {
		if err := prober.Run(ctx, probeInterval); err != nil {
			logger.Error("mcp instance prober stopped", "error", err)
		}
	}()

	// Invitation and trusted-device expiry.
	sweeper := tenant.NewExpirySweeper(db, logger)
	go func() {
		if err := sweeper.Run(ctx, expirySweepInterval); err != nil {
			logger.Error("expiry sweeper stopped", "error", err)
		}
	}()

	// Quota rollover, usage persistence, and overage alerts (blocking).
	alerts := alert.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	worker := quota.NewWorker(
		quota.NewService(db),
		quota.NewAdmitter(rdb, logger),
		tenant.NewMembershipStore(),
		db,
		alerts,
		logger,
	)
	return worker.Run(ctx, quotaSweepInterval)
}
