package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/analytics"
	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/http/middleware"
	"github.com/serkancanberk/plaible/internal/narrative"
	"github.com/serkancanberk/plaible/internal/repo"
	"github.com/serkancanberk/plaible/internal/services"
)

// ---------- repo-backed Store (like router.go) ----------

type testStore struct{ db *gorm.DB }

func (s testStore) LookupIdempotency(ctx context.Context, userID, sessionID, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, s.db, userID, sessionID, key, now)
}

func (s testStore) ReserveIdempotency(ctx context.Context, userID, sessionID, key string) (bool, error) {
	_, err := repo.ReserveIdempotency(ctx, s.db, userID, sessionID, key, time.Hour)
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	return err == nil, err
}

func (s testStore) FinishIdempotency(ctx context.Context, userID, sessionID, key string, status int, body []byte) error {
	return repo.FinishIdempotency(ctx, s.db, userID, sessionID, key, status, body)
}

func (s testStore) ReleaseIdempotency(ctx context.Context, userID, sessionID, key string) error {
	return repo.ReleaseIdempotency(ctx, s.db, userID, sessionID, key)
}

func (s testStore) SessionsStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.SessionsStats(ctx, s.db, userID)
}

func (s testStore) TurnsStats(ctx context.Context, sessionID string) (int64, *time.Time, error) {
	return repo.TurnsStats(ctx, s.db, sessionID)
}

// ---------- narrator stub ----------

type stubNarrator struct{}

func (stubNarrator) GenerateTurn(_ context.Context, req narrative.Request) (narrative.Turn, error) {
	return narrative.Turn{
		Content: "The lamp flickers.",
		Choices: []string{"Climb the stairs", "Wait"},
		Beats:   []string{narrative.BeatForChapter(req.Chapter)},
	}, nil
}

// ---------- test API ----------

type testAPI struct {
	db     *gorm.DB
	router *gin.Engine
	story  *domain.Story
	ledger *services.LedgerService
}

// newTestAPI wires real services over a temp SQLite file, seeds story
// "the-lantern" priced at cost and tops up user "u1" with balance.
// Identity comes from the X-User-ID header.
func newTestAPI(t *testing.T, balance, cost int64, opts Options) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))

	ctx := context.Background()
	st := &domain.Story{Slug: "the-lantern", Title: "The Lantern", Pricing: domain.Pricing{CreditsPerChapter: cost, EstimatedChapterCount: 5}}
	require.NoError(t, repo.UpsertStory(ctx, db, st))

	ledger := &services.LedgerService{DB: db}
	if balance > 0 {
		_, _, err := ledger.TopUp(ctx, "u1", balance, "seed")
		require.NoError(t, err)
	} else {
		require.NoError(t, repo.EnsureUser(ctx, db, "u1", 0))
	}
	sessions := &services.SessionService{DB: db, Narrator: stubNarrator{}}

	h := New(sessions, ledger, &services.CatalogService{DB: db}, &analytics.DailyCounter{DB: db}, testStore{db: db}, opts)

	r := gin.New()
	r.Use(middleware.Identity(middleware.IdentityOptions{}))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.GET("/stories", h.ListStories)
	r.POST("/sessions", h.StartSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/turns", h.ListTurns)
	r.POST("/sessions/:id/turns", h.PostTurn)
	r.POST("/sessions/:id/complete", h.CompleteSession)
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/ledger", h.ListLedger)
	r.GET("/wallet/ledger.xlsx", h.ExportLedger)
	r.POST("/admin/users/:id/topup", h.TopUp)
	r.POST("/admin/users/:id/refunds", h.Refund)
	r.GET("/admin/users/:id/reconcile", h.Reconcile)
	r.GET("/admin/stats/daily", h.DailyStats)
	r.POST("/admin/users/:id/token", h.IssueToken)

	return &testAPI{db: db, router: r, story: st, ledger: ledger}
}

// do sends body (marshalled when not nil) as user uid; headers are
// key/value pairs.
func (a *testAPI) do(method, path, uid string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set(middleware.HeaderUserID, uid)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// start opens a session for u1 and returns it.
func (a *testAPI) start(t *testing.T) StartSessionResponse {
	t.Helper()
	w := a.do(http.MethodPost, "/sessions", "u1", StartSessionRequest{StorySlug: a.story.Slug, CharacterID: "keeper"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out StartSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er), w.Body.String())
	return er
}
