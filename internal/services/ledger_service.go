// Package services – LedgerService
//
// This file implements the chapter charge protocol and the administrative
// wallet operations (top-up, refund, reconciliation, export).
//
// Charge protocol, executed inside the caller's transaction:
//  1. INSERT the deduct entry with ON CONFLICT DO NOTHING. The partial
//     unique index ux_ledger_deduct is the only serialization point.
//  2. If no row was written the chapter was charged before: return the
//     current balance without touching the wallet.
//  3. Otherwise decrement the wallet guarded by balance >= cost. If the guard
//     fails the caller's transaction rolls back, which discards the entry
//     from step 1, and an *InsufficientFundsError is returned.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/events"
	"github.com/serkancanberk/plaible/internal/repo"
)

// Publisher receives domain events after the state change committed.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) bool
}

func publish(ctx context.Context, p Publisher, e events.Event) {
	if p != nil {
		p.Publish(ctx, e)
	}
}

// ChargeResult describes the outcome of one charge attempt.
type ChargeResult struct {
	// Charged is true only when this call wrote the deduction.
	Charged bool
	Amount  int64
	Balance int64
}

// chargeChapter runs the charge protocol on tx. tx must be a transaction the
// caller rolls back on any returned error.
func chargeChapter(ctx context.Context, tx *gorm.DB, userID, storyID string, chapter int, cost int64) (ChargeResult, error) {
	lg := zerolog.Ctx(ctx)

	if cost <= 0 {
		bal, err := repo.GetBalance(ctx, tx, userID)
		if err != nil {
			return ChargeResult{}, storeErr("charge.balance", err, ErrUserNotFound)
		}
		return ChargeResult{Balance: bal}, nil
	}

	entry := &domain.LedgerEntry{
		UserID:  userID,
		Kind:    domain.KindDeduct,
		Amount:  cost,
		StoryID: &storyID,
		Chapter: &chapter,
		Note:    fmt.Sprintf("chapter %d", chapter),
	}
	inserted, err := repo.InsertChapterEntry(ctx, tx, entry)
	if err != nil {
		return ChargeResult{}, storeErr("charge.insert", err, nil)
	}
	if !inserted {
		bal, err := repo.GetBalance(ctx, tx, userID)
		if err != nil {
			return ChargeResult{}, storeErr("charge.balance", err, ErrUserNotFound)
		}
		lg.Debug().Str("story_id", storyID).Int("chapter", chapter).Msg("chapter already charged")
		return ChargeResult{Balance: bal}, nil
	}

	ok, err := repo.DebitWallet(ctx, tx, userID, cost)
	if err != nil {
		return ChargeResult{}, storeErr("charge.debit", err, nil)
	}
	if !ok {
		u, err := repo.GetUser(ctx, tx, userID)
		if err != nil {
			return ChargeResult{}, storeErr("charge.balance", err, ErrUserNotFound)
		}
		return ChargeResult{}, &InsufficientFundsError{Needed: cost, Balance: u.WalletBalance}
	}

	bal, err := repo.GetBalance(ctx, tx, userID)
	if err != nil {
		return ChargeResult{}, storeErr("charge.balance", err, ErrUserNotFound)
	}
	lg.Debug().Str("story_id", storyID).Int("chapter", chapter).Int64("amount", cost).Int64("balance", bal).Msg("chapter charged")
	return ChargeResult{Charged: true, Amount: cost, Balance: bal}, nil
}

// LedgerService owns wallet balances and the append-only ledger.
type LedgerService struct {
	DB     *gorm.DB
	Events Publisher
}

// ChargeChapter runs the charge protocol in its own transaction.
func (s *LedgerService) ChargeChapter(ctx context.Context, userID, storyID string, chapter int, cost int64) (ChargeResult, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "ChargeChapter",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("story.id", storyID),
			attribute.Int("chapter", chapter),
		),
	)
	defer span.End()

	var res ChargeResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = chargeChapter(ctx, tx, userID, storyID, chapter, cost)
		return err
	})
	if err != nil {
		return ChargeResult{}, storeErr("ledger.charge", err, nil)
	}
	if res.Charged {
		e := events.New(events.ChapterCharged, userID)
		e.StoryID, e.Chapter, e.Amount, e.Balance = storyID, chapter, res.Amount, res.Balance
		publish(ctx, s.Events, e)
	}
	return res, nil
}

// TopUp credits amount to the wallet, creating it if needed, and records a
// topup entry. It returns the new balance.
func (s *LedgerService) TopUp(ctx context.Context, userID string, amount int64, note string) (int64, *domain.LedgerEntry, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "TopUp",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if _, err := validateID("userId", userID); err != nil {
		return 0, nil, err
	}
	if amount <= 0 {
		return 0, nil, invalid("amount", "must be positive")
	}
	note, err := validateNote(note)
	if err != nil {
		return 0, nil, err
	}

	entry := &domain.LedgerEntry{UserID: userID, Kind: domain.KindTopup, Amount: amount, Note: note}
	var bal int64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.EnsureUser(ctx, tx, userID, 0); err != nil {
			return err
		}
		if err := repo.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := repo.CreditWallet(ctx, tx, userID, amount); err != nil {
			return err
		}
		var err error
		bal, err = repo.GetBalance(ctx, tx, userID)
		return err
	})
	if err != nil {
		return 0, nil, storeErr("ledger.topup", err, nil)
	}

	zerolog.Ctx(ctx).Info().Str("user_id", userID).Int64("amount", amount).Int64("balance", bal).Msg("wallet topped up")
	e := events.New(events.WalletToppedUp, userID)
	e.Amount, e.Balance = amount, bal
	publish(ctx, s.Events, e)
	return bal, entry, nil
}

// Refund credits back the deduction recorded for (user, story, chapter).
// Each chapter can be refunded once; repeating the call returns the current
// balance and the original refund entry.
func (s *LedgerService) Refund(ctx context.Context, userID, storyID string, chapter int, note string) (int64, *domain.LedgerEntry, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Refund",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("story.id", storyID),
			attribute.Int("chapter", chapter),
		),
	)
	defer span.End()

	if chapter < 1 {
		return 0, nil, invalid("chapter", "must be >= 1")
	}
	note, err := validateNote(note)
	if err != nil {
		return 0, nil, err
	}

	var (
		bal      int64
		entry    *domain.LedgerEntry
		refunded bool
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ded, err := repo.GetChapterEntry(ctx, tx, userID, storyID, chapter, domain.KindDeduct)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNothingToRefund
		}
		if err != nil {
			return err
		}
		if note == "" {
			note = fmt.Sprintf("refund chapter %d", chapter)
		}
		entry = &domain.LedgerEntry{
			UserID:  userID,
			Kind:    domain.KindRefund,
			Amount:  ded.Amount,
			StoryID: &storyID,
			Chapter: &chapter,
			Note:    note,
		}
		inserted, err := repo.InsertChapterEntry(ctx, tx, entry)
		if err != nil {
			return err
		}
		if inserted {
			if err := repo.CreditWallet(ctx, tx, userID, ded.Amount); err != nil {
				return err
			}
			refunded = true
		} else {
			entry, err = repo.GetChapterEntry(ctx, tx, userID, storyID, chapter, domain.KindRefund)
			if err != nil {
				return err
			}
		}
		bal, err = repo.GetBalance(ctx, tx, userID)
		return err
	})
	if err != nil {
		return 0, nil, storeErr("ledger.refund", err, ErrUserNotFound)
	}

	if refunded {
		zerolog.Ctx(ctx).Info().Str("user_id", userID).Str("story_id", storyID).Int("chapter", chapter).Msg("chapter refunded")
		e := events.New(events.WalletRefunded, userID)
		e.StoryID, e.Chapter, e.Amount, e.Balance = storyID, chapter, entry.Amount, bal
		publish(ctx, s.Events, e)
	}
	return bal, entry, nil
}

// Balance returns the cached wallet balance.
func (s *LedgerService) Balance(ctx context.Context, userID string) (int64, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Balance", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	bal, err := repo.GetBalance(ctx, s.DB, userID)
	return bal, storeErr("ledger.balance", err, ErrUserNotFound)
}

// ListEntries returns a page of the user's ledger, newest first, and the total.
func (s *LedgerService) ListEntries(ctx context.Context, userID string, page, pageSize int) ([]domain.LedgerEntry, int64, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "ListEntries",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	offset, limit := clampPage(page, pageSize)
	total, err := repo.CountEntries(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, storeErr("ledger.count", err, nil)
	}
	if total == 0 {
		return []domain.LedgerEntry{}, 0, nil
	}
	items, err := repo.ListEntriesPage(ctx, s.DB, userID, offset, limit)
	if err != nil {
		return nil, 0, storeErr("ledger.list", err, nil)
	}
	return items, total, nil
}

// Reconciliation compares the cached balance with the ledger projection.
type Reconciliation struct {
	UserID  string `json:"user_id"`
	Cached  int64  `json:"cached_balance"`
	Derived int64  `json:"derived_balance"`
	Drift   int64  `json:"drift"`
}

// Consistent reports whether the cached balance matches the ledger.
func (r Reconciliation) Consistent() bool { return r.Drift == 0 }

// Reconcile recomputes the balance from the ledger. Drift is logged, never
// corrected automatically.
func (s *LedgerService) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Reconcile", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	var rec Reconciliation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cached, err := repo.GetBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		derived, err := repo.DerivedBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		rec = Reconciliation{UserID: userID, Cached: cached, Derived: derived, Drift: cached - derived}
		return nil
	})
	if err != nil {
		return Reconciliation{}, storeErr("ledger.reconcile", err, ErrUserNotFound)
	}
	if !rec.Consistent() {
		zerolog.Ctx(ctx).Warn().Str("user_id", userID).Int64("drift", rec.Drift).Msg("wallet balance drifted from ledger")
	}
	return rec, nil
}

// ledgerSheet is the worksheet name of the XLSX export.
const ledgerSheet = "Ledger"

// ExportXLSX writes the user's whole ledger, newest first, as an XLSX workbook.
func (s *LedgerService) ExportXLSX(ctx context.Context, userID string, w io.Writer) error {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "ExportXLSX", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	entries, err := repo.ListEntriesPage(ctx, s.DB, userID, 0, 0)
	if err != nil {
		return storeErr("ledger.export", err, nil)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(ledgerSheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headers := []any{"Date", "Kind", "Amount", "Signed", "Story", "Chapter", "Note", "Entry ID"}
	if err := f.SetSheetRow(ledgerSheet, "A1", &headers); err != nil {
		return err
	}
	for i, e := range entries {
		signed := e.Amount
		if e.Kind == domain.KindDeduct {
			signed = -signed
		}
		var story, chapter any
		if e.StoryID != nil {
			story = *e.StoryID
		}
		if e.Chapter != nil {
			chapter = *e.Chapter
		}
		row := []any{e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Kind, e.Amount, signed, story, chapter, e.Note, e.ID}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ledgerSheet, cell, &row); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(ledgerSheet, "A", "A", 20)
	_ = f.SetColWidth(ledgerSheet, "E", "E", 38)
	_ = f.SetColWidth(ledgerSheet, "G", "G", 30)
	_ = f.SetColWidth(ledgerSheet, "H", "H", 38)

	return f.Write(w)
}
