// Package api wires together all HTTP routes of the audit ledger.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated and never rate limited.
//   - /api/v1/events routes require a Bearer identity token. The caller's org and role
//     come from the token and scope every read; nothing in the request can widen them.
//   - /api/v1/auth/token mints tokens and only exists behind DevModeMiddleware.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/audit-ledger/audit-ledger/internal/api/admin"
	"github.com/audit-ledger/audit-ledger/internal/api/events"
	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db/repositories"
	"github.com/audit-ledger/audit-ledger/internal/jobs"
	"github.com/audit-ledger/audit-ledger/internal/middleware"
	"github.com/audit-ledger/audit-ledger/internal/notify"
	"github.com/audit-ledger/audit-ledger/internal/ratelimit"
	"github.com/audit-ledger/audit-ledger/internal/safego"
	"github.com/audit-ledger/audit-ledger/internal/services"
	"github.com/audit-ledger/audit-ledger/internal/storage"
)

// Version is reported by /version and the version subcommand
const Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cancel     context.CancelFunc
	archiver   *jobs.ExportArchiver
	dispatcher *notify.Dispatcher
	memLimiter *ratelimit.MemoryLimiter
	redis      *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
// Queued notifications are shipped until ctx expires.
func (bg *BackgroundServices) Shutdown(ctx context.Context) error {
	slog.Info("stopping background services")
	var errs []error

	if bg.archiver != nil {
		if err := bg.archiver.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("export archiver: %w", err))
		}
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	if bg.dispatcher != nil {
		if err := bg.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notification dispatcher: %w", err))
		}
	}
	if bg.memLimiter != nil {
		bg.memLimiter.Stop()
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	slog.Info("all background services stopped")
	return errors.Join(errs...)
}

// bucketEnsurer is implemented by the cloud backends, which can create their bucket or
// container on first start
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// Dependencies are the collaborators the routes are built from
type Dependencies struct {
	DB       *sql.DB
	Ledger   events.Ledger
	Archives events.ArchiveStore
	Storage  storage.Storage
	// Archiver may be nil when no archive workers run in this process
	Archiver events.Waker
	// Limiter may be nil when rate limiting is disabled
	Limiter ratelimit.Limiter
	Tokens  *auth.TokenManager
}

// NewRouter builds every dependency from cfg, starts the background services and
// returns the configured router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	storageBackend, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	if b, ok := storageBackend.(bucketEnsurer); ok {
		ensureCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := b.EnsureBucket(ensureCtx)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to prepare archive bucket: %w", err)
		}
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, cfg.Auth.DevMode)
	if err != nil {
		return nil, nil, err
	}

	sqlxDB := sqlx.NewDb(db, "postgres")
	eventRepo := repositories.NewEventRepository(sqlxDB)
	archiveRepo := repositories.NewExportArchiveRepository(sqlxDB)

	ctx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel}

	// Only hand the service a notifier when one exists; a typed nil would not compare equal to nil
	var notifier services.Notifier
	if cfg.Notifications.Enabled {
		shipper, err := notify.NewMultiShipper(cfg.Notifications.Shippers)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to initialize notification shippers: %w", err)
		}
		bg.dispatcher = notify.NewDispatcher(shipper, cfg.Notifications.QueueSize, cfg.Notifications.Workers)
		bg.dispatcher.Start()
		notifier = bg.dispatcher
		slog.Info("notification dispatcher started", "shippers", shipper.Len(), "workers", cfg.Notifications.Workers)
	}

	ledger := services.NewEventService(eventRepo, notifier, services.OptionsFromConfig(&cfg.Ledger))

	deps := Dependencies{
		DB:       db,
		Ledger:   ledger,
		Archives: archiveRepo,
		Storage:  storageBackend,
		Tokens:   tokens,
	}

	if cfg.Security.RateLimiting.Enabled {
		rules := ratelimit.RulesFromConfig(&cfg.Security.RateLimiting)
		switch cfg.Security.RateLimiting.Backend {
		case "redis":
			bg.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			deps.Limiter = ratelimit.NewRedisLimiter(bg.redis, rules, cfg.Redis.KeyPrefix)
			slog.Info("rate limiting enabled", "backend", "redis", "addr", cfg.Redis.Addr)
		default:
			bg.memLimiter = ratelimit.NewMemoryLimiter(rules, cfg.Security.RateLimiting.CleanupInterval)
			deps.Limiter = bg.memLimiter
			slog.Info("rate limiting enabled", "backend", "memory")
		}
	}

	if cfg.Archives.Enabled {
		bg.archiver = jobs.NewExportArchiver(archiveRepo, ledger, storageBackend, cfg.Archives)
		deps.Archiver = bg.archiver
		safego.Go("export-archiver", func() { bg.archiver.Start(ctx) })
	}

	return NewEngine(cfg, deps), bg, nil
}

// NewEngine registers the middleware chain and all routes on a fresh gin engine
func NewEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestIDMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RecoveryMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(cfg.Security.TLS.Enabled))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Storage))
	router.GET("/version", versionHandler())

	limit := func(t ratelimit.LimitType) gin.HandlerFunc {
		if deps.Limiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimitMiddleware(deps.Limiter, t)
	}

	apiV1 := router.Group("/api/v1")
	{
		devHandlers := admin.NewDevHandlers(deps.Tokens, cfg.Auth.DevMode)
		apiV1.GET("/dev/status", devHandlers.DevStatusHandler())

		// Token minting (dev-mode-gated). Callers already holding a token are limited per
		// user, everyone else by client IP.
		authGroup := apiV1.Group("/auth")
		authGroup.Use(admin.DevModeMiddleware(cfg.Auth.DevMode))
		authGroup.Use(middleware.OptionalIdentityMiddleware(deps.Tokens))
		authGroup.Use(limit(ratelimit.Auth))
		{
			authGroup.POST("/token", devHandlers.IssueTokenHandler())
		}

		eventHandlers := events.NewEventHandlers(deps.Ledger)
		archiveHandlers := events.NewArchiveHandlers(deps.Archives, deps.Storage, deps.Archiver,
			cfg.Archives.URLTTL, cfg.Ledger.MaxFilterValues)

		// The budget is charged before the identity check so that callers without a
		// valid token are still throttled, keyed by client IP.
		requireIdentity := middleware.IdentityMiddleware(deps.Tokens)
		eventsGroup := apiV1.Group("/events")
		eventsGroup.Use(middleware.OptionalIdentityMiddleware(deps.Tokens))
		{
			eventsGroup.POST("", limit(ratelimit.AuditIngest), requireIdentity, eventHandlers.IngestHandler())
			eventsGroup.GET("", limit(ratelimit.AuditQuery), requireIdentity, eventHandlers.ListHandler())
			eventsGroup.GET("/count", limit(ratelimit.AuditQuery), requireIdentity, eventHandlers.CountHandler())
			eventsGroup.GET("/export.csv", limit(ratelimit.AuditQuery), requireIdentity, eventHandlers.ExportCSVHandler())
			eventsGroup.GET("/export.json", limit(ratelimit.AuditQuery), requireIdentity, eventHandlers.ExportJSONHandler())

			// Archives are expensive to build, so requesting one shares the tighter budget
			eventsGroup.POST("/archives", limit(ratelimit.APIKeyManagement), requireIdentity, archiveHandlers.CreateArchiveHandler())
			eventsGroup.GET("/archives/:id", limit(ratelimit.AuditQuery), requireIdentity, archiveHandlers.GetArchiveHandler())
			eventsGroup.GET("/archives/:id/download", limit(ratelimit.AuditQuery), requireIdentity, archiveHandlers.DownloadArchiveHandler())
		}
	}

	return router
}

// healthCheckHandler returns the liveness status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a Kubernetes readiness gate fails when archives could not be written.
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent path: exercises credentials and connectivity without
		// creating any state
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"formats":     []string{"csv", "json"},
		})
	}
}

// LoggerMiddleware emits one structured record per request. The query string is left
// out: filter values such as actorId and ipAddress are themselves audit data.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		defer func() {
			r := recover()

			status := c.Writer.Status()
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError || r != nil {
				level = slog.LevelError
			}

			attrs := []slog.Attr{
				slog.String("method", c.Request.Method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("size", c.Writer.Size()),
				slog.Duration("latency", time.Since(start)),
				slog.String("ip", c.ClientIP()),
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.String("user_agent", c.Request.UserAgent()),
			}
			if r != nil {
				attrs = append(attrs, slog.Bool("aborted", true))
			}
			if id, ok := middleware.GetIdentity(c); ok {
				attrs = append(attrs, slog.String("org_id", id.OrgID), slog.String("user_id", id.UserID))
			}
			if cfg.Logging.Level == "debug" {
				attrs = append(attrs, slog.String("route", c.FullPath()))
			}

			slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)

			// Recovery re-raises only http.ErrAbortHandler
			if r != nil {
				panic(r)
			}
		}()

		c.Next()
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "Content-Disposition, Retry-After, X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
