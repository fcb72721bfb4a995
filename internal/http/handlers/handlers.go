package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/http/middleware"
	"github.com/serkancanberk/plaible/internal/services"
	"github.com/serkancanberk/plaible/internal/utils"
)

// SessionService is the session engine as seen by the transport.
type SessionService interface {
	StartOrResume(ctx context.Context, in services.StartInput) (*services.StartResult, error)
	Advance(ctx context.Context, in services.AdvanceInput) (*services.AdvanceResult, error)
	Complete(ctx context.Context, in services.CompleteInput) (*services.CompleteResult, error)
	Get(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	List(ctx context.Context, userID, status string, page, pageSize int) ([]domain.Session, int64, error)
	ListTurns(ctx context.Context, userID, sessionID string, page, pageSize int) ([]domain.Turn, int64, error)
}

// WalletService covers the caller's wallet and the administrative ledger
// operations.
type WalletService interface {
	Balance(ctx context.Context, userID string) (int64, error)
	ListEntries(ctx context.Context, userID string, page, pageSize int) ([]domain.LedgerEntry, int64, error)
	ExportXLSX(ctx context.Context, userID string, w io.Writer) error
	TopUp(ctx context.Context, userID string, amount int64, note string) (int64, *domain.LedgerEntry, error)
	Refund(ctx context.Context, userID, storyID string, chapter int, note string) (int64, *domain.LedgerEntry, error)
	Reconcile(ctx context.Context, userID string) (services.Reconciliation, error)
}

// CatalogService lists the story catalog.
type CatalogService interface {
	ListStories(ctx context.Context) ([]domain.Story, error)
}

// StatsService reads the daily event counters.
type StatsService interface {
	Range(ctx context.Context, from, to string) ([]domain.DailyStat, error)
}

// Store backs idempotent replays and conditional GETs.
//
// ReserveIdempotency returns false when the key is already held, either by a
// finished request or by one still running.
type Store interface {
	LookupIdempotency(ctx context.Context, userID, sessionID, key string, now time.Time) (*domain.Idempotency, error)
	ReserveIdempotency(ctx context.Context, userID, sessionID, key string) (bool, error)
	FinishIdempotency(ctx context.Context, userID, sessionID, key string, status int, body []byte) error
	ReleaseIdempotency(ctx context.Context, userID, sessionID, key string) error
	SessionsStats(ctx context.Context, userID string) (int64, *time.Time, error)
	TurnsStats(ctx context.Context, sessionID string) (int64, *time.Time, error)
}

// Options carries the transport settings handlers need.
type Options struct {
	// JWTSecret enables POST /admin/users/:id/token.
	JWTSecret string
	// TokenTTL defaults to 24h.
	TokenTTL time.Duration
}

// Handlers groups the HTTP endpoints. Dependencies are interfaces so tests
// can substitute fakes.
type Handlers struct {
	sessions SessionService
	wallet   WalletService
	catalog  CatalogService
	stats    StatsService
	store    Store
	opts     Options
}

// New wires Handlers.
func New(sessions SessionService, wallet WalletService, catalog CatalogService, stats StatsService, store Store, opts Options) *Handlers {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Handlers{sessions: sessions, wallet: wallet, catalog: catalog, stats: stats, store: store, opts: opts}
}

// currentUser returns the authenticated user or writes a 401.
func currentUser(c *gin.Context) (string, bool) {
	uid, found := middleware.UserID(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	}
	return uid, found
}

// pageParams parses page/page_size with defaults 1/20 and a 100 cap.
func pageParams(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// notModified sets the weak ETag and reports whether If-None-Match matched.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
