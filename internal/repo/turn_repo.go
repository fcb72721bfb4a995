package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serkancanberk/plaible/internal/domain"
)

// AppendTurn adds an entry to the end of a session log.
func AppendTurn(ctx context.Context, db *gorm.DB, t *domain.Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Omit(clause.Associations).Create(t).Error
}

// ListTurnsTail returns the last n turns of a session in log order.
func ListTurnsTail(ctx context.Context, db *gorm.DB, sessionID string, n int) ([]domain.Turn, error) {
	var out []domain.Turn
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListTurnsPage returns turns in log order.
func ListTurnsPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Turn, error) {
	var out []domain.Turn
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountTurns returns the length of a session log.
func CountTurns(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Turn{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}
