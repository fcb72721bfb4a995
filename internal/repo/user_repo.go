package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serkancanberk/plaible/internal/domain"
)

// EnsureUser creates the wallet row for id if it does not exist yet.
// An existing row is left untouched.
func EnsureUser(ctx context.Context, db *gorm.DB, id string, initialBalance int64) error {
	now := time.Now().UTC()
	u := &domain.User{ID: id, WalletBalance: initialBalance, CreatedAt: now, UpdatedAt: now}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error
}

// GetUser fetches a user by id or returns ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &u, err
}

// GetBalance returns the stored wallet balance for id.
func GetBalance(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	u, err := GetUser(ctx, db, id)
	if err != nil {
		return 0, err
	}
	return u.WalletBalance, nil
}

// DebitWallet subtracts amount only if the balance covers it. The check and
// the write are a single statement, so concurrent debits cannot overdraw.
// It reports whether the debit was applied.
func DebitWallet(ctx context.Context, db *gorm.DB, id string, amount int64) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND wallet_balance >= ?", id, amount).
		Updates(map[string]any{
			"wallet_balance": gorm.Expr("wallet_balance - ?", amount),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreditWallet adds amount to the balance. Returns ErrNotFound for unknown users.
func CreditWallet(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"wallet_balance": gorm.Expr("wallet_balance + ?", amount),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
