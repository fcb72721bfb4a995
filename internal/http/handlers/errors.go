// Package handlers maps HTTP requests onto the session engine and the wallet
// ledger. Handlers validate transport-level input, call a service and
// translate its result or error taxonomy into a JSON response.
//
// Every error response carries a stable code from the list below; clients
// branch on the code, never on the message.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_funds",
//	  "message": "not enough credits for this chapter",
//	  "details": {"needed": 10, "balance": 5}
//	}
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/serkancanberk/plaible/internal/services"

	"github.com/gin-gonic/gin"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Engine taxonomy:
	ErrCodeValidation        = "validation_failed"
	ErrCodeStoryNotFound     = "story_not_found"
	ErrCodeSessionNotFound   = "session_not_found"
	ErrCodeUserNotFound      = "user_not_found"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeSessionCompleted  = "session_completed"
	ErrCodeChapterMismatch   = "chapter_mismatch"
	ErrCodeNothingToRefund   = "nothing_to_refund"
	ErrCodeStoreUnavailable  = "store_unavailable"
	ErrCodeExportFailed      = "export_failed"
	ErrCodeRequestInFlight   = "request_in_flight"
)

// failErr maps a service error onto status, code and details. Store failures
// are retryable (503 with Retry-After); their cause is logged, not returned.
func failErr(c *gin.Context, err error) {
	var (
		verr  *services.ValidationError
		insuf *services.InsufficientFundsError
		serr  *services.StoreError
	)
	switch {
	case errors.As(err, &verr):
		failWith(c, http.StatusBadRequest, ErrCodeValidation, verr.Error(),
			map[string]any{"field": verr.Field, "reason": verr.Reason})
	case errors.As(err, &insuf):
		failWith(c, http.StatusPaymentRequired, ErrCodeInsufficientFunds, "not enough credits for this chapter",
			map[string]any{"needed": insuf.Needed, "balance": insuf.Balance})
	case errors.Is(err, services.ErrStoryNotFound):
		fail(c, http.StatusNotFound, ErrCodeStoryNotFound, "story not found")
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeSessionNotFound, "session not found")
	case errors.Is(err, services.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeUserNotFound, "user has no wallet")
	case errors.Is(err, services.ErrSessionCompleted):
		fail(c, http.StatusConflict, ErrCodeSessionCompleted, "session already completed")
	case errors.Is(err, services.ErrChapterMismatch):
		fail(c, http.StatusConflict, ErrCodeChapterMismatch, "session moved on; reload and retry")
	case errors.Is(err, services.ErrNothingToRefund):
		fail(c, http.StatusConflict, ErrCodeNothingToRefund, "no charge recorded for that chapter")
	case errors.As(err, &serr), errors.Is(err, context.DeadlineExceeded):
		LoggerFor(c).Error().Err(err).Msg("store unavailable")
		c.Header("Retry-After", "1")
		fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "storage temporarily unavailable")
	default:
		LoggerFor(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
