// Package httpapi wires the HTTP transport (Gin) to the session engine, the
// wallet ledger, middleware and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, identity, idempotency and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/serkancanberk/plaible/docs" // registers the OpenAPI document
	"github.com/serkancanberk/plaible/internal/analytics"
	"github.com/serkancanberk/plaible/internal/config"
	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/http/handlers"
	"github.com/serkancanberk/plaible/internal/http/middleware"
	"github.com/serkancanberk/plaible/internal/narrative"
	"github.com/serkancanberk/plaible/internal/repo"
	"github.com/serkancanberk/plaible/internal/services"
)

// Deps are the runtime collaborators the transport needs.
type Deps struct {
	DB *gorm.DB
	// Narrator produces storyrunner turns; nil records player turns only.
	Narrator narrative.Generator
	// Events receives domain events after commit; nil disables publishing.
	Events services.Publisher
}

// repoStore adapts the repository free functions to handlers.Store.
type repoStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// LookupIdempotency proxies repo.GetIdempotency.
func (s repoStore) LookupIdempotency(ctx context.Context, userID, sessionID, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, s.db, userID, sessionID, key, now)
}

// ReserveIdempotency proxies repo.ReserveIdempotency with the configured TTL.
func (s repoStore) ReserveIdempotency(ctx context.Context, userID, sessionID, key string) (bool, error) {
	_, err := repo.ReserveIdempotency(ctx, s.db, userID, sessionID, key, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

// FinishIdempotency proxies repo.FinishIdempotency.
func (s repoStore) FinishIdempotency(ctx context.Context, userID, sessionID, key string, status int, body []byte) error {
	return repo.FinishIdempotency(ctx, s.db, userID, sessionID, key, status, body)
}

// ReleaseIdempotency proxies repo.ReleaseIdempotency.
func (s repoStore) ReleaseIdempotency(ctx context.Context, userID, sessionID, key string) error {
	return repo.ReleaseIdempotency(ctx, s.db, userID, sessionID, key)
}

// SessionsStats proxies repo.SessionsStats (ETag support).
func (s repoStore) SessionsStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.SessionsStats(ctx, s.db, userID)
}

// TurnsStats proxies repo.TurnsStats (ETag support).
func (s repoStore) TurnsStats(ctx context.Context, sessionID string) (int64, *time.Time, error) {
	return repo.TurnsStats(ctx, s.db, sessionID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), identity,
// idempotency and rate limiting, CORS and security headers, health and
// metrics endpoints, and then mounts the versioned public API under
// cfg.APIBasePath and the admin API under /admin.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter and gzip
//  6. Metrics
//  7. Identity (before idempotency and rate limiting, which key on the user)
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per user/IP, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	store := repoStore{db: deps.DB, ttl: cfg.IdempotencyTTL}

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderAdminToken},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB); spreadsheets are already zipped
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedExtensions([]string{".xlsx"}),
		gzip.WithExcludedPaths([]string{"/metrics"}),
	))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Caller identity (JWT or X-User-ID); RequireUser enforces it per group
	r.Use(middleware.Identity(middleware.IdentityOptions{JWTSecret: cfg.JWTSecret}))

	// 8) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, sessionID, key string, now time.Time) (bool, error) {
			rec, err := store.LookupIdempotency(ctx, userID, sessionID, key, now)
			if err != nil || rec == nil || rec.Pending() {
				return false, nil
			}
			return true, nil
		},
	))

	// 9) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 10) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderUserID, middleware.HeaderAdminToken, middleware.HeaderIdempotencyKey,
		"If-None-Match",
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/readiness
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", readiness(deps.DB))

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/narrator/events
	sessionSvc := &services.SessionService{
		DB:       deps.DB,
		Narrator: deps.Narrator,
		Events:   deps.Events,
		LogTail:  cfg.LogTail,
	}
	ledgerSvc := &services.LedgerService{DB: deps.DB, Events: deps.Events}
	catalogSvc := &services.CatalogService{DB: deps.DB}
	statsSvc := &analytics.DailyCounter{DB: deps.DB}
	h := handlers.New(sessionSvc, ledgerSvc, catalogSvc, statsSvc, store, handlers.Options{JWTSecret: cfg.JWTSecret})

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(middleware.RequireUser())
	{
		// Catalog
		api.GET("/stories", h.ListStories)

		// Sessions
		api.POST("/sessions", h.StartSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/turns", h.ListTurns)
		api.POST("/sessions/:id/turns", h.PostTurn)
		api.POST("/sessions/:id/complete", h.CompleteSession)

		// Wallet (never cached by intermediaries)
		wallet := api.Group("/wallet", middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))
		wallet.GET("", h.GetWallet)
		wallet.GET("/ledger", h.ListLedger)
		wallet.GET("/ledger.xlsx", h.ExportLedger)
	}

	// Admin API
	admin := r.Group("/admin", middleware.AdminToken(cfg.AdminToken))
	{
		admin.POST("/users/:id/topup", h.TopUp)
		admin.POST("/users/:id/refunds", h.Refund)
		admin.GET("/users/:id/reconcile", h.Reconcile)
		admin.POST("/users/:id/token", h.IssueToken)
		admin.GET("/stats/daily", h.DailyStats)
	}
}

// readiness reports 503 while the database cannot be reached.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
			c.Header("Retry-After", "1")
			handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeStoreUnavailable, "database unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
