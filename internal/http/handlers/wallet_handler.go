package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serkancanberk/plaible/internal/domain"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WalletResponse is the caller's cached balance.
type WalletResponse struct {
	UserID  string `json:"user_id" example:"u-123"`
	Balance int64  `json:"balance" example:"40"`
}

// ListLedgerResponse wraps a page of ledger entries, newest first.
type ListLedgerResponse struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	Pagination Pagination           `json:"pagination"`
}

// GetWallet godoc
// @ID          getWallet
// @Summary     Current credit balance
// @Tags        Wallet
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.WalletResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     404  {object}  handlers.ErrorResponse  "No wallet"
// @Router      /wallet [get]
func (h *Handlers) GetWallet(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	bal, err := h.wallet.Balance(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, WalletResponse{UserID: uid, Balance: bal})
}

// ListLedger godoc
// @ID          listLedger
// @Summary     Page through the caller's ledger
// @Tags        Wallet
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListLedgerResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Router      /wallet/ledger [get]
func (h *Handlers) ListLedger(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	page, pageSize := pageParams(c)
	items, total, err := h.wallet.ListEntries(c.Request.Context(), uid, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []domain.LedgerEntry{}
	}
	ok(c, http.StatusOK, ListLedgerResponse{Entries: items, Pagination: newPagination(page, pageSize, total)})
}

// ExportLedger godoc
// @ID          exportLedger
// @Summary     Download the caller's ledger as a spreadsheet
// @Tags        Wallet
// @Produce     application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security    BearerAuth
// @Success     200  {file}    file
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     500  {object}  handlers.ErrorResponse  "Export failed"
// @Router      /wallet/ledger.xlsx [get]
func (h *Handlers) ExportLedger(c *gin.Context) {
	uid, found := currentUser(c)
	if !found {
		return
	}
	// Buffer so a failure halfway still yields a JSON error, not a torn file.
	var buf bytes.Buffer
	if err := h.wallet.ExportXLSX(c.Request.Context(), uid, &buf); err != nil {
		LoggerFor(c).Error().Err(err).Msg("ledger export failed")
		fail(c, http.StatusInternalServerError, ErrCodeExportFailed, "could not build ledger export")
		return
	}
	name := fmt.Sprintf("ledger-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
