// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the append-only
// credit ledger.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serkancanberk/plaible/internal/domain"
)

// InsertEntry appends a ledger entry.
func InsertEntry(ctx context.Context, db *gorm.DB, e *domain.LedgerEntry) error {
	stampEntry(e)
	return db.WithContext(ctx).Create(e).Error
}

// InsertChapterEntry appends a chapter-scoped entry (deduct or refund) unless
// one with the same (user, story, chapter, kind) already exists. It reports
// whether a row was written; false means the entry was applied earlier.
func InsertChapterEntry(ctx context.Context, db *gorm.DB, e *domain.LedgerEntry) (bool, error) {
	stampEntry(e)
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if res.Error != nil {
		if IsDuplicate(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetChapterEntry returns the chapter-scoped entry of the given kind.
func GetChapterEntry(ctx context.Context, db *gorm.DB, userID, storyID string, chapter int, kind string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("user_id = ? AND story_id = ? AND chapter = ? AND kind = ?", userID, storyID, chapter, kind).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &e, err
}

// CountDeductions returns how many chapter deductions exist for (user, story).
func CountDeductions(ctx context.Context, db *gorm.DB, userID, storyID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("user_id = ? AND story_id = ? AND kind = ?", userID, storyID, domain.KindDeduct).
		Count(&n).Error
	return n, err
}

// CountEntries returns the number of ledger entries of a user.
func CountEntries(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// ListEntriesPage returns a user's ledger entries newest first.
func ListEntriesPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	q := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DerivedBalance recomputes a user's balance from the ledger alone.
func DerivedBalance(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var row struct {
		Total int64
	}
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Select("COALESCE(SUM(CASE WHEN kind = ? THEN -amount ELSE amount END), 0) AS total", domain.KindDeduct).
		Where("user_id = ?", userID).
		Scan(&row).Error
	return row.Total, err
}

func stampEntry(e *domain.LedgerEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}
