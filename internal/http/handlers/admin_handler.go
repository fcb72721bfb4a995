// Administrative endpoints, mounted under /admin behind the admin token.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serkancanberk/plaible/internal/auth"
	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/services"
)

// TopUpRequest credits a wallet.
type TopUpRequest struct {
	Amount int64  `json:"amount" binding:"required" example:"50"`
	Note   string `json:"note"                      example:"welcome bonus"`
}

// RefundRequest returns one chapter charge.
type RefundRequest struct {
	StoryID string `json:"story_id" binding:"required" example:"6f1c2b9e-0d5e-4a55-9a7d-2f3a1c9b7e10"`
	Chapter int    `json:"chapter"  binding:"required" example:"2"`
	Note    string `json:"note"                        example:"narration outage"`
}

// LedgerMutationResponse is the outcome of a top-up or refund.
type LedgerMutationResponse struct {
	Balance int64               `json:"balance"`
	Entry   *domain.LedgerEntry `json:"entry"`
}

// ReconcileResponse compares the cached balance with the ledger sum.
type ReconcileResponse struct {
	UserID     string `json:"user_id"`
	Cached     int64  `json:"cached"`
	Derived    int64  `json:"derived"`
	Drift      int64  `json:"drift"`
	Consistent bool   `json:"consistent"`
}

// DailyStatsResponse lists counters for a day range.
type DailyStatsResponse struct {
	From  string             `json:"from,omitempty"`
	To    string             `json:"to,omitempty"`
	Stats []domain.DailyStat `json:"stats"`
}

// TokenResponse is a freshly issued bearer token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in" example:"86400"`
}

// TopUp godoc
// @ID          adminTopUp
// @Summary     Credit a user's wallet
// @Description Creates the wallet on first top-up.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       id    path  string  true  "User ID"
// @Param       body  body  handlers.TopUpRequest  true  "Amount and note"
// @Success     200  {object}  handlers.LedgerMutationResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     403  {object}  handlers.ErrorResponse  "Bad admin token"
// @Router      /admin/users/{id}/topup [post]
func (h *Handlers) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "amount is required")
		return
	}
	bal, entry, err := h.wallet.TopUp(c.Request.Context(), c.Param("id"), req.Amount, req.Note)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, LedgerMutationResponse{Balance: bal, Entry: entry})
}

// Refund godoc
// @ID          adminRefund
// @Summary     Refund one chapter charge
// @Description At most one refund per charged chapter.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       id    path  string  true  "User ID"
// @Param       body  body  handlers.RefundRequest  true  "Chapter to refund"
// @Success     200  {object}  handlers.LedgerMutationResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse  "No wallet"
// @Failure     409  {object}  handlers.ErrorResponse  "Nothing to refund"
// @Router      /admin/users/{id}/refunds [post]
func (h *Handlers) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "story_id and chapter are required")
		return
	}
	bal, entry, err := h.wallet.Refund(c.Request.Context(), c.Param("id"), req.StoryID, req.Chapter, req.Note)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, LedgerMutationResponse{Balance: bal, Entry: entry})
}

// Reconcile godoc
// @ID          adminReconcile
// @Summary     Compare cached balance with the ledger
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       id  path  string  true  "User ID"
// @Success     200  {object}  handlers.ReconcileResponse
// @Failure     404  {object}  handlers.ErrorResponse  "No wallet"
// @Router      /admin/users/{id}/reconcile [get]
func (h *Handlers) Reconcile(c *gin.Context) {
	r, err := h.wallet.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if !r.Consistent() {
		LoggerFor(c).Warn().Str("user_id", r.UserID).Int64("drift", r.Drift).Msg("wallet drift detected")
	}
	ok(c, http.StatusOK, ReconcileResponse{
		UserID:     r.UserID,
		Cached:     r.Cached,
		Derived:    r.Derived,
		Drift:      r.Drift,
		Consistent: r.Consistent(),
	})
}

// DailyStats godoc
// @ID          adminDailyStats
// @Summary     Daily event counters
// @Description Days are YYYY-MM-DD in UTC; omitted bounds cover the last seven days.
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Token  header  string  true   "Admin token"
// @Param       from           query   string  false  "First day"  example(2026-01-01)
// @Param       to             query   string  false  "Last day"   example(2026-01-31)
// @Success     200  {object}  handlers.DailyStatsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad range"
// @Router      /admin/stats/daily [get]
func (h *Handlers) DailyStats(c *gin.Context) {
	from := strings.TrimSpace(c.Query("from"))
	to := strings.TrimSpace(c.Query("to"))
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from and to must be YYYY-MM-DD")
			return
		}
	}
	if from != "" && to != "" && from > to {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from must not be after to")
		return
	}
	stats, err := h.stats.Range(c.Request.Context(), from, to)
	if err != nil {
		LoggerFor(c).Error().Err(err).Msg("daily stats query failed")
		failErr(c, &services.StoreError{Op: "stats.range"})
		return
	}
	if stats == nil {
		stats = []domain.DailyStat{}
	}
	ok(c, http.StatusOK, DailyStatsResponse{From: from, To: to, Stats: stats})
}

// IssueToken godoc
// @ID          adminIssueToken
// @Summary     Issue a bearer token for a user
// @Description Only available when JWT_SECRET is configured.
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       id  path  string  true  "User ID"
// @Success     200  {object}  handlers.TokenResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad user id"
// @Failure     404  {object}  handlers.ErrorResponse  "Tokens disabled"
// @Router      /admin/users/{id}/token [post]
func (h *Handlers) IssueToken(c *gin.Context) {
	if h.opts.JWTSecret == "" {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "token issuing is disabled")
		return
	}
	uid := strings.TrimSpace(c.Param("id"))
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id is required")
		return
	}
	tok, err := auth.Issue(h.opts.JWTSecret, uid, h.opts.TokenTTL)
	if err != nil {
		LoggerFor(c).Error().Err(err).Msg("token issue failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not issue token")
		return
	}
	ok(c, http.StatusOK, TokenResponse{Token: tok, ExpiresIn: int64(h.opts.TokenTTL / time.Second)})
}
