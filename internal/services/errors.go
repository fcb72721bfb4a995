// Package services defines the business logic for play sessions and the
// credit ledger. This file centralizes the service-level error taxonomy so
// that callers can classify failures with errors.Is / errors.As.
//
// No raw store error crosses a service method: anything that is not one of
// the values below is wrapped in a *StoreError, which unwraps to
// ErrStoreUnavailable. Translation into HTTP status codes is performed at the
// handler layer.
package services

import (
	"errors"
	"fmt"

	"github.com/serkancanberk/plaible/internal/repo"
)

var (
	// ErrValidation is the sentinel behind every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrStoryNotFound indicates that no catalog entry matches the slug or id.
	ErrStoryNotFound = errors.New("story not found")

	// ErrSessionNotFound indicates that the session does not exist or is not
	// owned by the caller. Both cases are reported identically.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserNotFound indicates that the caller has no wallet yet.
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientFunds is the sentinel behind every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSessionCompleted is returned when advancing a finished session.
	ErrSessionCompleted = errors.New("session already completed")

	// ErrChapterMismatch is returned when the caller's view of the current
	// chapter is stale by more than one step.
	ErrChapterMismatch = errors.New("chapter mismatch")

	// ErrNothingToRefund is returned when no deduction exists for the chapter.
	ErrNothingToRefund = errors.New("no deduction to refund")

	// ErrStoreUnavailable is the sentinel behind every *StoreError. Operations
	// failing with it are safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientFundsError reports a charge the wallet could not cover.
type InsufficientFundsError struct {
	Needed  int64
	Balance int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: needed %d, balance %d", e.Needed, e.Balance)
}

// Unwrap returns ErrInsufficientFunds.
func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// StoreError wraps a persistence failure. The cause is kept for logging only.
type StoreError struct {
	Op    string
	cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: store unavailable", e.Op)
}

// Unwrap returns ErrStoreUnavailable.
func (e *StoreError) Unwrap() error { return ErrStoreUnavailable }

// Cause returns the underlying driver error.
func (e *StoreError) Cause() error { return e.cause }

// storeErr maps err onto the taxonomy. Errors that already belong to it pass
// through; repo.ErrNotFound becomes notFound when given.
func storeErr(op string, err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case notFound != nil && errors.Is(err, repo.ErrNotFound):
		return notFound
	case isTaxonomy(err):
		return err
	default:
		return &StoreError{Op: op, cause: err}
	}
}

func isTaxonomy(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrStoryNotFound, ErrSessionNotFound, ErrUserNotFound,
		ErrInsufficientFunds, ErrSessionCompleted, ErrChapterMismatch,
		ErrNothingToRefund, ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
